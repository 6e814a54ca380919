// Package jobs defines the durable bulk-work model: the Job record, the
// closed set of job kinds, the per-kind payload variants, and the
// Postgres-backed record store.
package jobs

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind identifies the type of bulk work a Job performs.
type Kind string

const (
	KindDelete             Kind = "delete"
	KindUpdate             Kind = "update"
	KindAddToList          Kind = "add_to_list"
	KindAddToOrganization  Kind = "add_to_organization"
	KindAddToJourney       Kind = "add_to_journey"
	KindUpdateSubscription Kind = "update_subscription"
	KindAnonymize          Kind = "anonymize"
	KindExport             Kind = "export"
	KindImportCSV          Kind = "import_csv"
)

// AllKinds lists every job kind the pipeline executes. The worker
// dispatch table is checked against this list at startup.
var AllKinds = []Kind{
	KindDelete,
	KindUpdate,
	KindAddToList,
	KindAddToOrganization,
	KindAddToJourney,
	KindUpdateSubscription,
	KindAnonymize,
	KindExport,
	KindImportCSV,
}

// Valid reports whether k is a known job kind.
func (k Kind) Valid() bool {
	for _, known := range AllKinds {
		if k == known {
			return true
		}
	}
	return false
}

// Status is the lifecycle state of a Job.
type Status string

const (
	StatusQueued          Status = "queued"
	StatusActive          Status = "active"
	StatusCompleted       Status = "completed"
	StatusFailed          Status = "failed"
	StatusPartiallyFailed Status = "partially_failed"
)

// Terminal reports whether the status is final. A job in a terminal
// status never transitions again.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusPartiallyFailed:
		return true
	}
	return false
}

// TerminalStatus derives the final status from the success/failure split,
// per the partial-failure contract: all failed → failed, some failed →
// partially_failed, none failed → completed.
func TerminalStatus(succeeded, failed int) Status {
	switch {
	case failed == 0:
		return StatusCompleted
	case succeeded == 0:
		return StatusFailed
	default:
		return StatusPartiallyFailed
	}
}

// FailedItem records one record or CSV row that could not be processed.
// The value is the item's identifying field (e.g. email) and the reason
// is human-readable. Failed items are append-only.
type FailedItem struct {
	Value  string `json:"value"`
	Reason string `json:"reason"`
}

// Counts is the per-job row/record accounting. For imports the invariant
// Imported + Skipped + Duplicates + Failed == Total holds; mass actions
// use Succeeded/Failed against Total.
type Counts struct {
	Total      int `json:"total"`
	Processed  int `json:"processed"`
	Succeeded  int `json:"succeeded"`
	Failed     int `json:"failed"`
	Skipped    int `json:"skipped"`
	Duplicates int `json:"duplicates"`
}

// Job is a durable, asynchronously executed unit of bulk work.
type Job struct {
	ID          uuid.UUID       `json:"id"`
	Kind        Kind            `json:"kind"`
	Status      Status          `json:"status"`
	Payload     Payload         `json:"-"`
	RawPayload  json.RawMessage `json:"payload,omitempty"`
	Filename    string          `json:"filename,omitempty"`
	Progress    int             `json:"progress"`
	Counts      Counts          `json:"counts"`
	Result      ResultSummary   `json:"result"`
	Error       string          `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// ResultSummary carries kind-specific output, e.g. the S3 object key of
// an export artifact.
type ResultSummary struct {
	Message     string `json:"message,omitempty"`
	ArtifactKey string `json:"artifact_key,omitempty"`
	ListID      int64  `json:"list_id,omitempty"`
}

// New creates a queued Job for the given payload.
func New(p Payload) *Job {
	return &Job{
		ID:        uuid.New(),
		Kind:      p.JobKind(),
		Status:    StatusQueued,
		Payload:   p,
		CreatedAt: time.Now().UTC(),
	}
}

// Payload is the closed sum of per-kind job payloads. Workers dispatch
// on the concrete variant, so adding a kind without a handler is a
// startup error rather than a silent skip.
type Payload interface {
	JobKind() Kind
}

// MassAction is the common part of every mass-action payload: the target
// entity kind and the opaque search mask forwarded verbatim to the
// entity store.
type MassAction struct {
	Entity     string          `json:"entity"`
	SearchMask json.RawMessage `json:"searchMask"`
}

// UpdatePatch is the single-field patch applied by the update action.
type UpdatePatch struct {
	Field string      `json:"field"`
	Value interface{} `json:"value"`
	Label string      `json:"label,omitempty"`
}

// DeletePayload removes every record matching the search mask.
type DeletePayload struct {
	MassAction
}

func (DeletePayload) JobKind() Kind { return KindDelete }

// UpdatePayload applies a field patch to every matching record.
type UpdatePayload struct {
	MassAction
	UpdateData UpdatePatch `json:"update_data"`
	UserEmail  string      `json:"userEmail,omitempty"`
}

func (UpdatePayload) JobKind() Kind { return KindUpdate }

// SubscriptionPayload subscribes or unsubscribes matching contacts on a
// channel.
type SubscriptionPayload struct {
	MassAction
	IsSubscribe bool  `json:"isSubscribe"`
	ChannelID   int64 `json:"channelId"`
}

func (SubscriptionPayload) JobKind() Kind { return KindUpdateSubscription }

// AddToListPayload assigns matching records to a list via the named
// relation field.
type AddToListPayload struct {
	MassAction
	ListField string `json:"listField"`
	ListID    int64  `json:"listId"`
}

func (AddToListPayload) JobKind() Kind { return KindAddToList }

// AddToOrganizationPayload assigns matching records to an organization.
type AddToOrganizationPayload struct {
	MassAction
	ListField      string `json:"listField"`
	OrganizationID int64  `json:"organization_id"`
}

func (AddToOrganizationPayload) JobKind() Kind { return KindAddToOrganization }

// AddToJourneyPayload enrolls matching records into a journey step.
type AddToJourneyPayload struct {
	MassAction
	ListField string `json:"listField"`
	ListID    int64  `json:"listId"`
}

func (AddToJourneyPayload) JobKind() Kind { return KindAddToJourney }

// AnonymizePayload irreversibly blanks identifying fields on matching
// records.
type AnonymizePayload struct {
	MassAction
	ListField string `json:"listField,omitempty"`
	ListID    int64  `json:"listId,omitempty"`
}

func (AnonymizePayload) JobKind() Kind { return KindAnonymize }

// ExportPayload writes the matching records to a downloadable CSV
// artifact; it mutates nothing.
type ExportPayload struct {
	MassAction
	ListField string `json:"listField,omitempty"`
	ListID    int64  `json:"listId,omitempty"`
	UserEmail string `json:"userEmail,omitempty"`
}

func (ExportPayload) JobKind() Kind { return KindExport }

// ImportCSVPayload describes an uploaded spreadsheet to be turned into
// entity mutations. Mapping is source header → target field; headers in
// DeletedColumns are excluded entirely. RequiredColumns order is
// significant for cascading deduplication.
type ImportCSVPayload struct {
	Filename              string            `json:"filename"`
	Entity                string            `json:"type"`
	CSV                   string            `json:"csv"`
	Mapping               map[string]string `json:"mapping"`
	RequiredColumns       []string          `json:"requiredColumns"`
	SelectedColumns       []string          `json:"selectedColumns"`
	ExtraColumns          []string          `json:"extraColumns"`
	DeletedColumns        []string          `json:"deletedColumns,omitempty"`
	SubscribeAll          bool              `json:"subscribeAll"`
	DeduplicateByRequired bool              `json:"deduplicateByRequired"`
	ListID                int64             `json:"listId,omitempty"`
}

func (ImportCSVPayload) JobKind() Kind { return KindImportCSV }

// envelope is the stored JSON form of a payload: the kind tag plus the
// variant body.
type envelope struct {
	Kind    Kind            `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// EncodePayload serializes a payload into its tagged JSON envelope.
func EncodePayload(p Payload) (json.RawMessage, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", p.JobKind(), err)
	}
	return json.Marshal(envelope{Kind: p.JobKind(), Payload: body})
}

// DecodePayload parses a tagged envelope back into its concrete variant.
// The switch is exhaustive over AllKinds.
func DecodePayload(data json.RawMessage) (Payload, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("unmarshal payload envelope: %w", err)
	}

	var p Payload
	switch env.Kind {
	case KindDelete:
		p = &DeletePayload{}
	case KindUpdate:
		p = &UpdatePayload{}
	case KindAddToList:
		p = &AddToListPayload{}
	case KindAddToOrganization:
		p = &AddToOrganizationPayload{}
	case KindAddToJourney:
		p = &AddToJourneyPayload{}
	case KindUpdateSubscription:
		p = &SubscriptionPayload{}
	case KindAnonymize:
		p = &AnonymizePayload{}
	case KindExport:
		p = &ExportPayload{}
	case KindImportCSV:
		p = &ImportCSVPayload{}
	default:
		return nil, fmt.Errorf("unknown job kind %q", env.Kind)
	}

	if err := json.Unmarshal(env.Payload, p); err != nil {
		return nil, fmt.Errorf("unmarshal %s payload: %w", env.Kind, err)
	}
	return p, nil
}
