// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package mailbox implements the IMAP transport used by listening sessions.
// A connection selects one mailbox, delivers the messages matching its
// search criteria, then waits in IDLE for new mail and repeats.
package mailbox

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"

	"github.com/wedo/devicehandler/internal/config"
	"github.com/wedo/devicehandler/internal/models"
	"github.com/wedo/devicehandler/internal/session"
)

// DefaultPollInterval is how often IDLE is refreshed on servers that do not
// advertise the IDLE capability.
const DefaultPollInterval = time.Minute

// Transport dials one IMAP mailbox. It implements session.Transport.
type Transport struct {
	cfg          models.MailboxConfig
	tlsConfig    *tls.Config
	pollInterval time.Duration
	log          *slog.Logger
}

// Option customizes a Transport.
type Option func(*Transport)

// WithTLSConfig overrides the TLS configuration used for implicit TLS.
func WithTLSConfig(c *tls.Config) Option {
	return func(t *Transport) { t.tlsConfig = c }
}

// WithPollInterval sets the IDLE refresh interval.
func WithPollInterval(d time.Duration) Option {
	return func(t *Transport) { t.pollInterval = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Transport) { t.log = l }
}

// NewTransport creates a transport for cfg. Defaults are applied to cfg.
func NewTransport(cfg models.MailboxConfig, opts ...Option) *Transport {
	t := &Transport{
		cfg:          cfg.WithDefaults(),
		pollInterval: DefaultPollInterval,
		log:          slog.Default(),
	}
	for _, o := range opts {
		o(t)
	}
	if t.tlsConfig == nil {
		t.tlsConfig = &tls.Config{ServerName: t.cfg.Host, MinVersion: tls.VersionTLS12}
	}
	return t
}

// Config returns the effective mailbox configuration.
func (t *Transport) Config() models.MailboxConfig { return t.cfg }

// ctxDialer adapts net.Dialer to the client.Dialer interface while
// honouring a context.
type ctxDialer struct {
	ctx context.Context
	d   *net.Dialer
}

func (d ctxDialer) Dial(network, addr string) (net.Conn, error) {
	return d.d.DialContext(d.ctx, network, addr)
}

// Connect dials, authenticates and selects the mailbox. ctx bounds only
// these phases.
func (t *Transport) Connect(ctx context.Context) (session.Conn, error) {
	password, err := config.ResolveSecret(t.cfg.SecretRef)
	if err != nil {
		return nil, err
	}

	dialer := ctxDialer{ctx: ctx, d: &net.Dialer{Timeout: t.cfg.ConnectTimeout}}
	var c *client.Client
	if t.cfg.UseTLS {
		c, err = client.DialWithDialerTLS(dialer, t.cfg.Addr(), t.tlsConfig)
	} else {
		c, err = client.DialWithDialer(dialer, t.cfg.Addr())
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", t.cfg.Addr(), err)
	}

	// Abort login and select if ctx ends first.
	stop := context.AfterFunc(ctx, func() { _ = c.Terminate() })
	defer stop()

	c.Timeout = t.cfg.AuthTimeout
	if err := c.Login(t.cfg.Username, password); err != nil {
		_ = c.Logout()
		return nil, fmt.Errorf("login %s: %w", t.cfg, err)
	}
	status, err := c.Select(t.cfg.Mailbox, false)
	if err != nil {
		_ = c.Logout()
		return nil, fmt.Errorf("select %s: %w", t.cfg, err)
	}
	if ctx.Err() != nil {
		_ = c.Logout()
		return nil, fmt.Errorf("connect %s: %w", t.cfg, ctx.Err())
	}
	c.Timeout = 0

	conn := &conn{
		cfg:          t.cfg,
		client:       c,
		updates:      make(chan client.Update, 64),
		wake:         make(chan struct{}, 1),
		done:         make(chan struct{}),
		pollInterval: t.pollInterval,
		log:          t.log,
	}
	if !t.cfg.FetchUnreadOnStart && status != nil && status.UidNext > 0 {
		conn.lastUID = status.UidNext - 1
	}
	c.Updates = conn.updates
	go conn.watchUpdates()

	t.log.Info("mailbox connected", "mailbox", t.cfg.String(), "messages", statusMessages(status))
	return conn, nil
}

func statusMessages(s *imap.MailboxStatus) uint32 {
	if s == nil {
		return 0
	}
	return s.Messages
}

// conn is one authenticated IMAP connection with a selected mailbox.
type conn struct {
	cfg          models.MailboxConfig
	client       *client.Client
	updates      chan client.Update
	wake         chan struct{}
	done         chan struct{}
	closeOnce    sync.Once
	pollInterval time.Duration
	log          *slog.Logger

	lastUID uint32
}

// watchUpdates drains unilateral server updates so the client reader never
// blocks, and turns mailbox updates into a wake-up signal.
func (c *conn) watchUpdates() {
	for {
		select {
		case u := <-c.updates:
			if _, ok := u.(*client.MailboxUpdate); ok {
				select {
				case c.wake <- struct{}{}:
				default:
				}
			}
		case <-c.done:
			return
		}
	}
}

// Listen fetches pending messages, then idles until the mailbox changes.
func (c *conn) Listen(ctx context.Context, sink session.Sink) error {
	for {
		if err := c.fetchNew(sink); err != nil {
			if c.closed() {
				return fmt.Errorf("fetch %s: %w", c.cfg, err)
			}
			sink.Error(fmt.Errorf("fetch %s: %w", c.cfg, err))
		}

		if err := c.idle(ctx); err != nil {
			return err
		}
	}
}

// idle blocks in IDLE until new mail is signalled. A nil return means the
// mailbox should be searched again.
func (c *conn) idle(ctx context.Context) error {
	stop := make(chan struct{})
	idleDone := make(chan error, 1)
	go func() {
		idleDone <- c.client.Idle(stop, &client.IdleOptions{PollInterval: c.pollInterval})
	}()

	select {
	case <-c.wake:
		close(stop)
		if err := <-idleDone; err != nil {
			return fmt.Errorf("idle %s: %w", c.cfg, err)
		}
		return nil
	case err := <-idleDone:
		if err != nil {
			return fmt.Errorf("idle %s: %w", c.cfg, err)
		}
		return nil
	case <-c.client.LoggedOut():
		return session.ErrLinkClosed
	case <-ctx.Done():
		close(stop)
		<-idleDone
		return ctx.Err()
	}
}

func (c *conn) closed() bool {
	select {
	case <-c.client.LoggedOut():
		return true
	default:
		return false
	}
}

// fetchNew searches for undelivered messages and hands them to sink in UID
// order.
func (c *conn) fetchNew(sink session.Sink) error {
	criteria := imap.NewSearchCriteria()
	if c.cfg.UnreadOnly {
		criteria.WithoutFlags = []string{imap.SeenFlag}
	}
	if c.lastUID > 0 {
		criteria.Uid = new(imap.SeqSet)
		criteria.Uid.AddRange(c.lastUID+1, 0)
	}

	uids, err := c.client.UidSearch(criteria)
	if err != nil {
		return fmt.Errorf("search: %w", err)
	}
	// "n:*" always matches the highest UID, even when it is below n.
	pending := uids[:0]
	for _, uid := range uids {
		if uid > c.lastUID {
			pending = append(pending, uid)
		}
	}
	if len(pending) == 0 {
		return nil
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i] < pending[j] })

	seqset := new(imap.SeqSet)
	seqset.AddNum(pending...)

	// A non-peek BODY[] fetch sets \Seen on the server.
	section := &imap.BodySectionName{Peek: !c.cfg.MarkSeen}
	items := []imap.FetchItem{section.FetchItem(), imap.FetchUid, imap.FetchInternalDate}

	messages := make(chan *imap.Message, 16)
	fetchDone := make(chan error, 1)
	go func() {
		fetchDone <- c.client.UidFetch(seqset, items, messages)
	}()

	var fetched []*imap.Message
	for m := range messages {
		fetched = append(fetched, m)
	}
	if err := <-fetchDone; err != nil {
		return fmt.Errorf("fetch: %w", err)
	}
	sort.Slice(fetched, func(i, j int) bool { return fetched[i].Uid < fetched[j].Uid })

	for _, m := range fetched {
		if m.Uid > c.lastUID {
			c.lastUID = m.Uid
		}
		body := m.GetBody(section)
		if body == nil {
			sink.Error(fmt.Errorf("message uid %d: server returned no body", m.Uid))
			continue
		}
		raw, err := ParseMessage(body)
		if err != nil {
			sink.Error(fmt.Errorf("message uid %d: %w", m.Uid, err))
			continue
		}
		raw.UID = m.Uid
		if !m.InternalDate.IsZero() {
			raw.ReceivedAt = m.InternalDate.UTC()
		}
		sink.Message(raw)
	}
	return nil
}

// Close logs out and releases the connection.
func (c *conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		if lerr := c.client.Logout(); lerr != nil && !errors.Is(lerr, client.ErrAlreadyLoggedOut) {
			err = fmt.Errorf("logout %s: %w", c.cfg, lerr)
			_ = c.client.Terminate()
		}
	})
	return err
}
