// Package imap fetches picklist mail over IMAP. Messages are screened
// by body structure first, so newsletters and plain correspondence are
// never downloaded and never leave the unseen state.
package imap

import (
	"crypto/tls"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	imapclient "github.com/emersion/go-imap/client"

	"basepack/internal"
	"basepack/internal/config"
)

var picklistMIMETypes = map[string]bool{
	"application/pdf": true,
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet": true,
	"application/vnd.ms-excel": true,
}

var picklistExtensions = []string{".pdf", ".xlsx", ".xls", ".html", ".htm"}

type Connector struct {
	host     string
	port     int
	secure   bool
	user     string
	password string
	markSeen bool
}

func NewConnector(cfg config.Config) (*Connector, error) {
	if err := cfg.Require("IMAP_HOST", cfg.IMAPHost); err != nil {
		return nil, err
	}
	if err := cfg.Require("IMAP_USER", cfg.IMAPUser); err != nil {
		return nil, err
	}
	if err := cfg.Require("IMAP_PASSWORD", cfg.IMAPPassword); err != nil {
		return nil, err
	}

	return &Connector{
		host:     cfg.IMAPHost,
		port:     cfg.IMAPPort,
		secure:   cfg.IMAPSecure,
		user:     cfg.IMAPUser,
		password: cfg.IMAPPassword,
		markSeen: cfg.IMAPMarkSeen,
	}, nil
}

// candidate is an unseen message whose structure carries a picklist
// part, pending body download.
type candidate struct {
	seqNum     uint32
	messageID  string
	subject    string
	from       string
	receivedAt string
}

func (c *Connector) FetchInbox(label string, max int) ([]internal.PicklistMail, error) {
	addr := fmt.Sprintf("%s:%d", c.host, c.port)
	var client *imapclient.Client
	var err error
	if c.secure {
		client, err = imapclient.DialTLS(addr, &tls.Config{ServerName: c.host})
	} else {
		client, err = imapclient.Dial(addr)
	}
	if err != nil {
		return nil, err
	}
	defer client.Logout()

	if err := client.Login(c.user, c.password); err != nil {
		return nil, err
	}
	if _, err := client.Select(label, false); err != nil {
		return nil, err
	}

	criteria := imap.NewSearchCriteria()
	criteria.WithoutFlags = []string{imap.SeenFlag}
	ids, err := client.Search(criteria)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	candidates, err := c.screen(client, ids)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	if len(candidates) > max {
		candidates = candidates[len(candidates)-max:]
	}

	return c.download(client, candidates)
}

// screen fetches envelopes and body structures only and keeps the
// messages that carry a picklist-shaped part.
func (c *Connector) screen(client *imapclient.Client, ids []uint32) ([]candidate, error) {
	seqset := new(imap.SeqSet)
	seqset.AddNum(ids...)

	items := []imap.FetchItem{imap.FetchEnvelope, imap.FetchInternalDate, imap.FetchUid, imap.FetchBodyStructure}
	messages := make(chan *imap.Message, len(ids))
	fetchDone := make(chan error, 1)
	go func() { fetchDone <- client.Fetch(seqset, items, messages) }()

	var out []candidate
	for msg := range messages {
		if msg == nil || !hasPicklistPart(msg.BodyStructure) {
			continue
		}

		messageID := ""
		subject := ""
		from := ""
		if msg.Envelope != nil {
			messageID = msg.Envelope.MessageId
			subject = msg.Envelope.Subject
			from = formatAddresses(msg.Envelope.From)
		}
		if messageID == "" {
			messageID = fmt.Sprintf("imap-%d", msg.Uid)
		}

		received := time.Now().UTC().Format(time.RFC3339)
		if !msg.InternalDate.IsZero() {
			received = msg.InternalDate.UTC().Format(time.RFC3339)
		}

		out = append(out, candidate{
			seqNum:     msg.SeqNum,
			messageID:  messageID,
			subject:    subject,
			from:       from,
			receivedAt: received,
		})
	}
	if err := <-fetchDone; err != nil {
		return nil, err
	}
	return out, nil
}

// download pulls the full bodies of the screened messages and marks
// exactly those seen, leaving the rest of the mailbox untouched.
func (c *Connector) download(client *imapclient.Client, candidates []candidate) ([]internal.PicklistMail, error) {
	bySeq := make(map[uint32]candidate, len(candidates))
	seqset := new(imap.SeqSet)
	for _, cand := range candidates {
		bySeq[cand.seqNum] = cand
		seqset.AddNum(cand.seqNum)
	}

	section := &imap.BodySectionName{}
	items := []imap.FetchItem{section.FetchItem()}
	messages := make(chan *imap.Message, len(candidates))
	fetchDone := make(chan error, 1)
	go func() { fetchDone <- client.Fetch(seqset, items, messages) }()

	out := make([]internal.PicklistMail, 0, len(candidates))
	for msg := range messages {
		if msg == nil {
			continue
		}
		cand, screened := bySeq[msg.SeqNum]
		if !screened {
			continue
		}
		body := msg.GetBody(section)
		if body == nil {
			continue
		}
		raw, err := io.ReadAll(body)
		if err != nil {
			return nil, err
		}

		out = append(out, internal.PicklistMail{
			Provider:   "imap",
			MessageID:  cand.messageID,
			Subject:    cand.subject,
			From:       cand.from,
			ReceivedAt: cand.receivedAt,
			Raw:        raw,
		})

		if c.markSeen {
			single := new(imap.SeqSet)
			single.AddNum(msg.SeqNum)
			item := imap.FormatFlagsOp(imap.AddFlags, true)
			flags := []interface{}{imap.SeenFlag}
			if err := client.Store(single, item, flags, nil); err != nil {
				return nil, err
			}
		}
	}

	if err := <-fetchDone; err != nil {
		return nil, err
	}
	return out, nil
}

// hasPicklistPart decides whether a message is worth downloading. A
// bare HTML mail passes because forwarded shop orders arrive that way
// and the attachment extractor offers such bodies as picklists; a
// multipart message must carry a PDF or spreadsheet part, so
// text-plus-html newsletters never match.
func hasPicklistPart(bs *imap.BodyStructure) bool {
	if bs == nil {
		return false
	}
	if len(bs.Parts) == 0 {
		if strings.ToLower(bs.MIMEType+"/"+bs.MIMESubType) == "text/html" {
			return true
		}
		return isPicklistAttachment(bs)
	}
	return hasAttachmentPart(bs)
}

func hasAttachmentPart(bs *imap.BodyStructure) bool {
	if len(bs.Parts) > 0 {
		for _, part := range bs.Parts {
			if hasAttachmentPart(part) {
				return true
			}
		}
		return false
	}
	return isPicklistAttachment(bs)
}

func isPicklistAttachment(bs *imap.BodyStructure) bool {
	mime := strings.ToLower(bs.MIMEType + "/" + bs.MIMESubType)
	if picklistMIMETypes[mime] {
		return true
	}

	name := bs.DispositionParams["filename"]
	if name == "" {
		name = bs.Params["name"]
	}
	lower := strings.ToLower(name)
	for _, ext := range picklistExtensions {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}

func formatAddresses(addrs []*imap.Address) string {
	if len(addrs) == 0 {
		return ""
	}
	parts := make([]string, 0, len(addrs))
	for _, a := range addrs {
		if a == nil {
			continue
		}
		email := strings.Trim(strings.Join([]string{a.MailboxName, a.HostName}, "@"), "@")
		if a.PersonalName != "" {
			parts = append(parts, fmt.Sprintf("%s <%s>", a.PersonalName, email))
		} else {
			parts = append(parts, email)
		}
	}
	return strings.Join(parts, ", ")
}
