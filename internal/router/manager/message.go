package manager

import (
	"time"

	"go.flowcatalyst.tech/internal/queue"
	"go.flowcatalyst.tech/internal/router/pool"
)

// DispatchMessage is the router's in-flight representation of one consumed
// broker message: the parsed envelope, the job fields looked up from the
// store, and the broker callbacks that settle it.
type DispatchMessage struct {
	JobID            string
	BrokerMessageID  string // unique per broker delivery
	DispatchPoolCode string
	MessageGroup     string
	BatchID          string // assigned by the router at batch-routing time
	TargetURL        string
	Headers          map[string]string
	Payload          string
	TimeoutSeconds   int
	MaxRetries       int

	AuthToken     string
	MediationType string

	// Business fields looked up from the job store after the wire envelope
	// is parsed; the envelope itself never carries them.
	PayloadContentType string
	DataOnly           bool
	Kind               string
	Code               string
	Subject            string
	EventID            string
	SigningSecret      string

	AckFunc        func() error
	NakFunc        func() error
	NakDelayFunc   func(time.Duration) error
	InProgressFunc func() error

	// Receipt-handle hooks, present when the backend leases messages with
	// per-delivery handles. A redelivery of an in-flight message replaces
	// the stored handle through these.
	UpdateReceiptHandleFunc func(string)
	GetReceiptHandleFunc    func() string
}

// pointer converts the message to the pool's processing form.
func (m *DispatchMessage) pointer() *pool.MessagePointer {
	return &pool.MessagePointer{
		ID:              m.JobID,
		BrokerMessageID: m.BrokerMessageID,
		BatchID:         m.BatchID,
		MessageGroupID:  m.MessageGroup,
		MediationTarget: m.TargetURL,
		MediationType:   m.MediationType,
		AuthToken:       m.AuthToken,
		Payload:         []byte(m.Payload),
		Headers:         m.Headers,
		TimeoutSeconds:  m.TimeoutSeconds,

		PayloadContentType: m.PayloadContentType,
		DataOnly:           m.DataOnly,
		Kind:               m.Kind,
		Code:               m.Code,
		Subject:            m.Subject,
		EventID:            m.EventID,
		SigningSecret:      m.SigningSecret,

		AckFunc:        m.AckFunc,
		NakFunc:        m.NakFunc,
		NakDelayFunc:   m.NakDelayFunc,
		InProgressFunc: m.InProgressFunc,
	}
}

// wireCallbacks binds the broker message's settle operations onto the
// dispatch message, including receipt-handle hooks when the backend
// supports them.
func wireCallbacks(msg *DispatchMessage, raw queue.Message) {
	msg.AckFunc = raw.Ack
	msg.NakFunc = raw.Nak
	msg.NakDelayFunc = raw.NakWithDelay
	msg.InProgressFunc = raw.InProgress

	if updatable, ok := raw.(queue.ReceiptHandleUpdatable); ok {
		msg.UpdateReceiptHandleFunc = updatable.UpdateReceiptHandle
		msg.GetReceiptHandleFunc = updatable.GetReceiptHandle
	}
}
