package gtbx

import (
	"time"

	"github.com/google/uuid"
)

// Outbox contains high level information about a domain event and should be
// provided by the clients.
type Outbox struct {
	AggregateType string // the aggregate type (e.g. "Event")
	AggregateId   string // the aggregate identifier
	EventType     string // the event type discriminator (e.g. "eventhub.domain.InvitationSent")
	Payload       []byte // JSON payload
}

// OutboxRecord contains all the information stored in the underlying outbox
// table. The Id doubles as the broker level deduplication key.
type OutboxRecord struct {
	Outbox
	Id            uuid.UUID
	CreatedAt     time.Time
	PublishedAt   *time.Time // nil while pending
	LastError     *string
	RetryCount    int
	NextAttemptAt *time.Time // nil means eligible right away
}

// ContentType is the content type of every outbox payload.
const ContentType = "application/json"
