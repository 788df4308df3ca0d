// Package intake fetches picklist emails and turns their attachments
// into queued jobs.
package intake

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/jhillyerd/enmime"

	"basepack/internal"
	"basepack/internal/blob"
	"basepack/internal/storage"
)

// MailConnector fetches unprocessed messages from one mailbox.
type MailConnector interface {
	FetchInbox(label string, max int) ([]internal.PicklistMail, error)
}

type FetchResult struct {
	Fetched int
	Stored  int
}

// FetchService pulls mail through a connector and stores the raw
// message bytes in the blob store, deduplicated by content hash and by
// (provider, message id).
type FetchService struct {
	db        *storage.DB
	store     blob.Store
	connector MailConnector
	tenantID  int64
}

func NewFetchService(db *storage.DB, store blob.Store, connector MailConnector, tenantID int64) *FetchService {
	return &FetchService{db: db, store: store, connector: connector, tenantID: tenantID}
}

func (s *FetchService) FetchAndStore(ctx context.Context, label string, max int) (FetchResult, error) {
	messages, err := s.connector.FetchInbox(label, max)
	if err != nil {
		return FetchResult{}, err
	}

	stored := 0
	for _, msg := range messages {
		if _, err := s.storeMail(ctx, msg); err != nil {
			return FetchResult{}, err
		}
		stored++
	}
	return FetchResult{Fetched: len(messages), Stored: stored}, nil
}

func (s *FetchService) storeMail(ctx context.Context, msg internal.PicklistMail) (internal.MailRow, error) {
	hashBytes := sha256.Sum256(msg.Raw)
	hash := hex.EncodeToString(hashBytes[:])

	rawKey := "mail/" + hash + ".eml"
	if _, err := s.store.Stat(ctx, rawKey); err != nil {
		if _, err := s.store.Upload(ctx, rawKey, msg.Raw); err != nil {
			return internal.MailRow{}, err
		}
	}

	return s.db.UpsertMail(s.tenantID, msg.Provider, msg.MessageID, msg.Subject, msg.From, msg.ReceivedAt, hash, rawKey, "fetched")
}

// Attachment is one picklist file pulled out of a mail body.
type Attachment struct {
	Filename string
	Content  []byte
}

var picklistAttachmentExts = []string{".pdf", ".xlsx", ".xls", ".html", ".htm"}

// PicklistAttachment returns the first attachment that looks like a
// picklist. A text/html mail body with no attachments is offered as an
// .html picklist so forwarded shop orders still work.
func PicklistAttachment(raw []byte) (Attachment, error) {
	env, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		return Attachment{}, fmt.Errorf("parse mail: %w", err)
	}

	for _, att := range env.Attachments {
		name := strings.TrimSpace(att.FileName)
		lower := strings.ToLower(name)
		for _, ext := range picklistAttachmentExts {
			if strings.HasSuffix(lower, ext) && len(att.Content) > 0 {
				return Attachment{Filename: name, Content: att.Content}, nil
			}
		}
	}

	if env.HTML != "" {
		return Attachment{Filename: "body.html", Content: []byte(env.HTML)}, nil
	}

	return Attachment{}, fmt.Errorf("no picklist attachment found")
}
