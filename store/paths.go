package store

import (
	"strings"
	"time"
)

// Well-known locations
const (
	ResourcesPath       = "/resources"
	DocumentsPath       = "/bookmarks/trellisfw/documents"
	ASNsPath            = "/bookmarks/trellisfw/asns"
	TradingPartnersPath = "/bookmarks/trellisfw/trading-partners"
	ExpandIndexPath     = TradingPartnersPath + "/expand-index"
	MasterIDIndexPath   = TradingPartnersPath + "/masterid-index"
)

// Queue names under a service's jobs
const (
	QueuePending = "pending"
	QueueSuccess = "success"
	QueueFailure = "failure"
)

// Join builds a store path from segments, dropping empty ones
func Join(parts ...string) string {
	var b strings.Builder
	for _, p := range parts {
		p = strings.Trim(p, "/")
		if p == "" {
			continue
		}
		b.WriteByte('/')
		b.WriteString(p)
	}
	if b.Len() == 0 {
		return "/"
	}
	return b.String()
}

// JobsPath is /bookmarks/services/<service>/jobs
func JobsPath(service string) string {
	return Join("bookmarks", "services", service, "jobs")
}

// PendingPath is the pending queue of a service
func PendingPath(service string) string {
	return Join(JobsPath(service), QueuePending)
}

// DayIndexPath is the success/failure bucket for the day of t (UTC)
func DayIndexPath(service, queue string, t time.Time) string {
	return Join(JobsPath(service), queue, "day-index", t.UTC().Format("2006-01-02"))
}

// DocumentBucketPath is the canonical bucket for a document type under root
// (DocumentsPath, or a partner's shared documents)
func DocumentBucketPath(root, docTypeKey string) string {
	return Join(root, docTypeKey)
}

// PartnerPath is a trading partner's master-data record
func PartnerPath(partner string) string {
	return Join(TradingPartnersPath, partner)
}

// PartnerDocumentsPath is the documents root shared with a trading partner
func PartnerDocumentsPath(partner string) string {
	return Join(PartnerPath(partner), "shared", "trellisfw", "documents")
}
