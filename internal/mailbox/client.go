package mailbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/gologme/log"

	"github.com/jdcadavid/inboxminer/internal/model"
)

// Handle is a lightweight identifier for a message found by Search.
// Bodies are only transferred when the handle is passed to Fetch.
type Handle struct {
	UID imap.UID
}

// TokenProvider supplies an OAuth2 access token for XOAUTH2 sessions.
// Implemented by auth.Provider; the connector never touches the token
// cache itself.
type TokenProvider interface {
	ObtainToken(ctx context.Context) (string, error)
}

// Session is an authenticated connection with the configured mailbox
// selected. Search results are finite and not restartable; calling Search
// again re-queries the server.
type Session interface {
	Search(ctx context.Context, filter Filter) ([]Handle, error)
	Fetch(ctx context.Context, h Handle) (*model.EmailRecord, error)
	Close() error
}

// Connector opens authenticated mailbox sessions.
type Connector interface {
	Connect(ctx context.Context) (Session, error)
}

// Options configures a Client.
type Options struct {
	Host    string
	Port    string
	Account string
	Mailbox string

	// TLS selects implicit TLS; otherwise the connection upgrades via
	// STARTTLS.
	TLS bool

	// Password authenticates with LOGIN when set. Tokens takes precedence
	// when both are present.
	Password string

	// Tokens authenticates with XOAUTH2 when set.
	Tokens TokenProvider

	Logger *log.Logger
}

// Client connects to an IMAP server and hands out Sessions.
type Client struct {
	opts   Options
	logger *log.Logger
}

// NewClient creates a connector for the given server settings.
func NewClient(opts Options) *Client {
	if opts.Mailbox == "" {
		opts.Mailbox = "INBOX"
	}
	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard, "", 0)
	}
	return &Client{opts: opts, logger: opts.Logger}
}

// Connect establishes transport security, authenticates, and selects the
// configured mailbox. The caller owns the returned session and must call
// Close on it.
func (c *Client) Connect(ctx context.Context) (Session, error) {
	addr := net.JoinHostPort(c.opts.Host, c.opts.Port)

	var conn *imapclient.Client
	var err error
	if c.opts.TLS {
		conn, err = imapclient.DialTLS(addr, nil)
	} else {
		conn, err = imapclient.DialStartTLS(addr, nil)
	}
	if err != nil {
		return nil, &ConnectionError{
			Reason: ConnNetwork,
			Err:    fmt.Errorf("dialing %s: %w", addr, err),
		}
	}

	if err := c.authenticate(ctx, conn); err != nil {
		_ = conn.Close()
		return nil, err
	}

	sel, err := conn.Select(c.opts.Mailbox, nil).Wait()
	if err != nil {
		_ = conn.Logout().Wait()
		return nil, &ConnectionError{
			Reason: ConnNetwork,
			Err:    fmt.Errorf("selecting %s: %w", c.opts.Mailbox, err),
		}
	}

	c.logger.Infof("connected to %s as %s (%d messages in %s)\n",
		addr, c.opts.Account, sel.NumMessages, c.opts.Mailbox)

	return &imapSession{
		conn:        conn,
		uidValidity: sel.UIDValidity,
		logger:      c.logger,
	}, nil
}

func (c *Client) authenticate(ctx context.Context, conn *imapclient.Client) error {
	if c.opts.Tokens != nil {
		token, err := c.opts.Tokens.ObtainToken(ctx)
		if err != nil {
			return err
		}
		if err := conn.Authenticate(newXOAUTH2Client(c.opts.Account, token)); err != nil {
			return &ConnectionError{
				Reason: ConnAuthRejected,
				Err:    fmt.Errorf("XOAUTH2 for %s: %w", c.opts.Account, err),
			}
		}
		return nil
	}

	if err := conn.Login(c.opts.Account, c.opts.Password).Wait(); err != nil {
		return &ConnectionError{
			Reason: ConnAuthRejected,
			Err:    fmt.Errorf("login for %s: %w", c.opts.Account, err),
		}
	}
	return nil
}

// imapSession implements Session over a live imapclient connection.
type imapSession struct {
	conn        *imapclient.Client
	uidValidity uint32
	logger      *log.Logger
}

// Search issues a UID search for the filter's criteria and returns the
// matching handles in server order, without fetching any bodies.
func (s *imapSession) Search(ctx context.Context, filter Filter) ([]Handle, error) {
	criteria, err := filter.Criteria()
	if err != nil {
		return nil, err
	}

	data, err := s.conn.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, &ConnectionError{
			Reason: ConnNetwork,
			Err:    fmt.Errorf("searching mailbox: %w", err),
		}
	}

	uids := data.AllUIDs()
	handles := make([]Handle, 0, len(uids))
	for _, uid := range uids {
		handles = append(handles, Handle{UID: uid})
	}

	s.logger.Infof("search matched %d messages\n", len(handles))
	return handles, nil
}

// Fetch retrieves the full message for a handle, using BODY.PEEK so the
// extraction never alters the mailbox's seen flags.
func (s *imapSession) Fetch(ctx context.Context, h Handle) (*model.EmailRecord, error) {
	bodySection := &imap.FetchItemBodySection{Peek: true}
	fetchCmd := s.conn.Fetch(imap.UIDSetNum(h.UID), &imap.FetchOptions{
		Envelope:     true,
		UID:          true,
		InternalDate: true,
		BodySection:  []*imap.FetchItemBodySection{bodySection},
	})
	defer fetchCmd.Close()

	msg := fetchCmd.Next()
	if msg == nil {
		return nil, missingFetchError(h, fetchCmd.Close())
	}

	buf, err := msg.Collect()
	if err != nil {
		return nil, &FetchError{
			Reason: FetchNetwork,
			Handle: h,
			Err:    fmt.Errorf("collecting message data: %w", err),
		}
	}
	if err := fetchCmd.Close(); err != nil {
		return nil, &FetchError{
			Reason: FetchNetwork,
			Handle: h,
			Err:    fmt.Errorf("closing fetch: %w", err),
		}
	}

	return s.record(buf, bodySection), nil
}

// missingFetchError classifies a fetch that produced no message data. A
// dropped connection also yields no data, so the command's close error
// decides: only a cleanly completed empty fetch means the message is gone.
func missingFetchError(h Handle, closeErr error) *FetchError {
	if closeErr != nil {
		return &FetchError{
			Reason: FetchNetwork,
			Handle: h,
			Err:    fmt.Errorf("fetch aborted: %w", closeErr),
		}
	}
	return &FetchError{
		Reason: FetchMessageGone,
		Handle: h,
		Err:    errors.New("no data returned (deleted or moved)"),
	}
}

// Close logs out of the server.
func (s *imapSession) Close() error {
	if err := s.conn.Logout().Wait(); err != nil {
		return s.conn.Close()
	}
	return nil
}

// record assembles an EmailRecord from a fetched message buffer.
func (s *imapSession) record(
	buf *imapclient.FetchMessageBuffer,
	section *imap.FetchItemBodySection,
) *model.EmailRecord {
	rec := &model.EmailRecord{
		FetchedAt: time.Now().UTC(),
	}

	if buf.Envelope != nil {
		rec.MessageID = buf.Envelope.MessageID
		rec.Subject = buf.Envelope.Subject
		if len(buf.Envelope.From) > 0 {
			rec.Sender = buf.Envelope.From[0].Addr()
		}
		if !buf.Envelope.Date.IsZero() {
			rec.ReceivedAt = buf.Envelope.Date.UTC()
		}
	}
	if rec.ReceivedAt.IsZero() {
		rec.ReceivedAt = buf.InternalDate.UTC()
	}
	if rec.ReceivedAt.IsZero() {
		rec.ReceivedAt = rec.FetchedAt
	}

	// Some messages carry no Message-ID header; synthesize a stable one
	// from the mailbox's UIDVALIDITY and the message UID.
	if rec.MessageID == "" {
		rec.MessageID = fmt.Sprintf("generated-%d-%d", s.uidValidity, buf.UID)
	}

	raw := buf.FindBodySection(section)
	rec.RawBody = raw
	rec.Headers, rec.BodyPlain, rec.BodyHTML = parseMessage(raw)

	return rec
}
