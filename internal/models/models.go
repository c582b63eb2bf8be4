package models

import "time"

// Role is the profile role carried by a user record. Authorization is
// scope-based: RoleManager only grants rights over labs the user manages.
type Role string

const (
	RoleUser    Role = "USUARIO"
	RoleManager Role = "GESTOR"
	RoleAdmin   Role = "ADMIN"
)

// ReservationStatus enumerates the reservation state machine states.
type ReservationStatus string

const (
	StatusPending   ReservationStatus = "PENDENTE"
	StatusApproved  ReservationStatus = "APROVADA"
	StatusRejected  ReservationStatus = "REJEITADA"
	StatusCancelled ReservationStatus = "CANCELADA"
	StatusInUse     ReservationStatus = "EM_USO"
	// StatusCompleted is derived for display once the end instant has
	// passed; it is never written by a user action.
	StatusCompleted ReservationStatus = "CONCLUIDA"
)

// BlockingStatuses is the set of statuses that count toward conflict
// detection. Rejected and cancelled reservations never block.
var BlockingStatuses = []ReservationStatus{StatusPending, StatusApproved, StatusInUse}

// ResourceAvailability marks whether a resource can currently be booked.
type ResourceAvailability string

const (
	ResourceAvailable   ResourceAvailability = "DISPONIVEL"
	ResourceUnavailable ResourceAvailability = "INDISPONIVEL"
	ResourceMaintenance ResourceAvailability = "MANUTENCAO"
)

// User is an authenticated member of the organization.
type User struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	Role         Role      `json:"role"`
	CreatedAt    time.Time `json:"created_at"`
}

// Lab is an organizational grouping of resources. Managers and members are
// held in the lab_members relation, not as id lists on the record.
type Lab struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Description    string    `json:"description"`
	AcademicCenter string    `json:"academic_center"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// MemberRole distinguishes a lab manager from a plain member.
type MemberRole string

const (
	MemberRoleManager MemberRole = "GERENTE"
	MemberRoleMember  MemberRole = "MEMBRO"
)

// LabMember is one row of the lab membership relation.
type LabMember struct {
	LabID  string     `json:"lab_id"`
	UserID string     `json:"user_id"`
	Role   MemberRole `json:"role"`
}

// Resource is a bookable unit (room, device, or the whole lab space).
type Resource struct {
	ID           string               `json:"id"`
	LabID        string               `json:"lab_id"`
	Name         string               `json:"name"`
	Description  string               `json:"description"`
	Availability ResourceAvailability `json:"availability"`
	// WholeSpace marks the resource as the aggregate booking unit for the
	// entire lab. At most one per lab.
	WholeSpace bool      `json:"whole_space"`
	CreatedAt  time.Time `json:"created_at"`
}

// Reservation is a booking request/grant for a resource over an interval.
// The interval is half-open: [Start, End).
type Reservation struct {
	ID            string            `json:"id"`
	ResourceID    string            `json:"resource_id"`
	RequesterID   string            `json:"requester_id"`
	Start         time.Time         `json:"start"`
	End           time.Time         `json:"end"`
	Justification string            `json:"justification"`
	Status        ReservationStatus `json:"status"`
	CreatedAt     time.Time         `json:"created_at"`
}

// Block is an administrative exclusion window on a resource. Always
// blocking, never transitions.
type Block struct {
	ID         string    `json:"id"`
	ResourceID string    `json:"resource_id"`
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`
	Reason     string    `json:"reason"`
	CreatedAt  time.Time `json:"created_at"`
}

// EventKind tags entries in the merged availability view.
type EventKind string

const (
	EventReservation EventKind = "RESERVA"
	EventBlock       EventKind = "BLOQUEIO"
)

// Event is one entry of the unified calendar view for a resource.
type Event struct {
	ID     string    `json:"id"`
	Kind   EventKind `json:"kind"`
	Start  time.Time `json:"start"`
	End    time.Time `json:"end"`
	Label  string    `json:"label"`
	Status string    `json:"status"`
}
