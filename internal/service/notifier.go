package service

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/reservalab/reserva-lab/api/internal/models"
)

// AMQPNotifier publishes reservation lifecycle events to a topic exchange.
// Consumers (dashboards, audit workers) bind with routing keys like
// "reservation.approved".
type AMQPNotifier struct {
	conn     *amqp.Connection
	channel  *amqp.Channel
	exchange string
}

func NewAMQPNotifier(url, exchange string) (*AMQPNotifier, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	channel, err := conn.Channel()
	if err != nil {
		if cerr := conn.Close(); cerr != nil {
			return nil, errors.Join(err, cerr)
		}
		return nil, err
	}
	if err := channel.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		if cerr := conn.Close(); cerr != nil {
			return nil, errors.Join(err, cerr)
		}
		return nil, err
	}
	return &AMQPNotifier{conn: conn, channel: channel, exchange: exchange}, nil
}

type reservationEvent struct {
	Event         string    `json:"event"`
	ReservationID string    `json:"reservation_id"`
	ResourceID    string    `json:"resource_id"`
	RequesterID   string    `json:"requester_id"`
	Start         time.Time `json:"start"`
	End           time.Time `json:"end"`
	Status        string    `json:"status"`
	EmittedAt     time.Time `json:"emitted_at"`
}

func (n *AMQPNotifier) PublishReservationEvent(ctx context.Context, kind string, reservation *models.Reservation) error {
	body, err := json.Marshal(reservationEvent{
		Event:         kind,
		ReservationID: reservation.ID,
		ResourceID:    reservation.ResourceID,
		RequesterID:   reservation.RequesterID,
		Start:         reservation.Start,
		End:           reservation.End,
		Status:        string(reservation.Status),
		EmittedAt:     time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	return n.channel.PublishWithContext(ctx, n.exchange, "reservation."+kind, false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
	})
}

func (n *AMQPNotifier) Close() error {
	if err := n.channel.Close(); err != nil {
		return errors.Join(err, n.conn.Close())
	}
	return n.conn.Close()
}
