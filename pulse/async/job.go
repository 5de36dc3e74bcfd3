// Package async runs store-backed jobs: a job is a resource linked into a
// service's pending queue, handled by the handler registered for its type,
// and relocated to the success or failure day-index when the handler returns.
package async

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/trellisfw/target-helper/errors"
	"github.com/trellisfw/target-helper/store"
)

// ContentType is the media type of job resources
const ContentType = "application/vnd.oada.job.1+json"

// Job types handled by target-helper
const (
	TypeTranscription = "transcription"
	TypeASN           = "asn"
	TypeShare         = "share"
)

// Update statuses. Engines may post others; those are ignored.
const (
	StatusIdentifying = "identifying"
	StatusIdentified  = "identified"
	StatusSuccess     = "success"
	StatusError       = "error"
	// StatusFailure is the job status written when a handler fails
	StatusFailure = "failure"
)

// Link is a store link {_id}
type Link struct {
	ID string `json:"_id"`
}

// Config is the input of a job
type Config struct {
	Type           string `json:"type,omitempty"` // "pdf" | "asn"
	PDF            *Link  `json:"pdf,omitempty"`
	Document       *Link  `json:"document,omitempty"`
	DocKey         string `json:"docKey,omitempty"`
	DocumentType   string `json:"document-type,omitempty"`
	OadaDocType    string `json:"oada-doc-type,omitempty"`
	TradingPartner string `json:"trading-partner,omitempty"`
	ASN            *Link  `json:"asn,omitempty"`
	ASNKey         string `json:"asnKey,omitempty"`
}

// Job is a job resource
type Job struct {
	// ID is the resource id ("resources/...")
	ID string `json:"-"`
	// Key is the job's key in the pending queue
	Key string `json:"-"`

	Type           string                 `json:"type"`
	Service        string                 `json:"service"`
	Config         Config                 `json:"config"`
	Status         string                 `json:"status,omitempty"`
	Result         map[string]interface{} `json:"result,omitempty"`
	TargetResult   map[string]interface{} `json:"targetResult,omitempty"`
	TradingPartner string                 `json:"trading-partner,omitempty"`
	// Extra is merged over the encoded fields by Body, for job types with
	// their own config shape (share jobs)
	Extra map[string]interface{} `json:"-"`
}

// Path is the job resource path
func (j *Job) Path() string {
	return store.ResourcePath(j.ID)
}

// Scoped reports whether the job runs inside a trading partner's space
func (j *Job) Scoped() bool {
	return j.TradingPartner != "" || j.Config.TradingPartner != ""
}

// Partner is the trading partner the job is scoped to, if any
func (j *Job) Partner() string {
	if j.TradingPartner != "" {
		return j.TradingPartner
	}
	return j.Config.TradingPartner
}

// Body renders the job as the resource body to create
func (j *Job) Body() (map[string]interface{}, error) {
	raw, err := json.Marshal(j)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode job")
	}
	var body map[string]interface{}
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, errors.Wrap(err, "failed to decode job")
	}
	for k, v := range j.Extra {
		body[k] = v
	}
	return body, nil
}

// ParseJob reads a job resource body
func ParseJob(id string, body map[string]interface{}) (*Job, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to encode job %s", id)
	}
	var j Job
	if err := json.Unmarshal(raw, &j); err != nil {
		return nil, errors.NewInvalidRequestError("job %s is malformed: %v", id, err)
	}
	j.ID = id
	return &j, nil
}

// Update is one entry of a job's update log
type Update struct {
	Key         string `json:"-"`
	Status      string `json:"status"`
	Time        string `json:"time,omitempty"`
	Information string `json:"information,omitempty"`
}

// Terminal reports whether the update ends the job
func (u Update) Terminal() bool {
	return u.Status == StatusSuccess || u.Status == StatusError
}

// NewUpdate stamps an update with the current time
func NewUpdate(status, information string) Update {
	return Update{
		Status:      status,
		Time:        time.Now().UTC().Format(time.RFC3339Nano),
		Information: information,
	}
}

// NormalizeTime renders an update time as ISO-8601 (UTC). Unix seconds may
// arrive as a number or a numeric string. A value that cannot be parsed is
// returned as given.
func NormalizeTime(v interface{}) string {
	switch x := v.(type) {
	case nil:
		return ""
	case float64:
		return fromUnix(x)
	case json.Number:
		if f, err := x.Float64(); err == nil {
			return fromUnix(f)
		}
		return x.String()
	case string:
		s := strings.TrimSpace(x)
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return fromUnix(f)
		}
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02"} {
			if t, err := time.Parse(layout, s); err == nil {
				return t.UTC().Format(time.RFC3339Nano)
			}
		}
		return x
	default:
		raw, _ := json.Marshal(x)
		return string(raw)
	}
}

func fromUnix(sec float64) string {
	whole := int64(sec)
	nanos := int64((sec - float64(whole)) * float64(time.Second))
	return time.Unix(whole, nanos).UTC().Format(time.RFC3339Nano)
}
