// Package imap implements mailbox.Client on top of an IMAP server.
package imap

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	imapv2 "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-sasl"

	"github.com/dhcgn/archive-to-mailbox/dedup"
	"github.com/dhcgn/archive-to-mailbox/mailbox"
)

const defaultDelim = '/'

type Options struct {
	Host     string
	Port     int
	Username string
	Password string
	// Token is an OAuth2 access token. When set it is used with
	// OAUTHBEARER instead of the password.
	Token              string
	UseTLS             bool
	InsecureSkipVerify bool
}

// Client is a mailbox.Client backed by one IMAP connection. Folder ids are
// full mailbox names. Calls are serialized.
type Client struct {
	opts   Options
	logger *slog.Logger

	mu       sync.Mutex
	conn     *imapclient.Client
	delim    rune
	selected string
	stop     func() bool
}

// Dial connects and authenticates. The connection is closed when ctx is
// done.
func Dial(ctx context.Context, opts Options, logger *slog.Logger) (*Client, error) {
	if opts.Host == "" {
		return nil, fmt.Errorf("imap host is empty")
	}
	if opts.Port <= 0 {
		return nil, fmt.Errorf("imap port must be positive")
	}
	if opts.Username == "" || (opts.Password == "" && opts.Token == "") {
		return nil, &mailbox.ServiceError{Op: "imap login", Message: "missing credentials", Err: mailbox.ErrUnauthorized}
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	address := net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port))
	options := &imapclient.Options{}
	if opts.UseTLS {
		options.TLSConfig = &tls.Config{
			ServerName:         opts.Host,
			InsecureSkipVerify: opts.InsecureSkipVerify,
		}
	}

	var (
		conn *imapclient.Client
		err  error
	)
	if opts.UseTLS {
		conn, err = imapclient.DialTLS(address, options)
	} else {
		conn, err = imapclient.DialInsecure(address, options)
	}
	if err != nil {
		return nil, &mailbox.ServiceError{Op: "imap dial " + address, Err: err}
	}

	if err := login(conn, opts); err != nil {
		_ = conn.Close()
		return nil, wrap("imap login", err, mailbox.ErrUnauthorized)
	}

	c := &Client{opts: opts, logger: logger, conn: conn, delim: defaultDelim}
	if list, err := conn.List("", "", nil).Collect(); err == nil && len(list) > 0 && list[0].Delim != 0 {
		c.delim = list[0].Delim
	}
	c.stop = context.AfterFunc(ctx, func() {
		_ = conn.Close()
	})

	logger.Debug("imap connection established", "address", address, "user", opts.Username, "tls", opts.UseTLS, "delimiter", string(c.delim))
	return c, nil
}

func login(conn *imapclient.Client, opts Options) error {
	if opts.Token != "" {
		return conn.Authenticate(sasl.NewOAuthBearerClient(&sasl.OAuthBearerOptions{
			Username: opts.Username,
			Token:    opts.Token,
		}))
	}
	return conn.Login(opts.Username, opts.Password).Wait()
}

// Close logs out and closes the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil
	}
	if c.stop != nil {
		c.stop()
	}
	if err := c.conn.Logout().Wait(); err != nil {
		c.logger.Debug("imap logout failed", "err", err)
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

func (c *Client) ListChildFolders(ctx context.Context, parentID string) ([]mailbox.Folder, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ready(ctx); err != nil {
		return nil, err
	}

	list, err := c.conn.List("", listPattern(parentID, c.delim), nil).Collect()
	if err != nil {
		return nil, wrap("imap list "+parentID, err, nil)
	}

	folders := make([]mailbox.Folder, 0, len(list))
	for _, data := range list {
		if data.Mailbox == parentID {
			continue
		}
		folders = append(folders, folderOf(data, parentID, c.delim))
	}
	return folders, nil
}

func (c *Client) CreateChildFolder(ctx context.Context, parentID, displayName string) (mailbox.Folder, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ready(ctx); err != nil {
		return mailbox.Folder{}, err
	}

	name := childName(parentID, displayName, c.delim)
	if err := c.conn.Create(name, nil).Wait(); err != nil {
		var respErr *imapv2.Error
		if !errors.As(err, &respErr) || respErr.Code != imapv2.ResponseCodeAlreadyExists {
			return mailbox.Folder{}, wrap("imap create "+name, err, nil)
		}
		c.logger.Debug("imap mailbox already exists", "mailbox", name)
	}

	return mailbox.Folder{ID: name, DisplayName: displayName, ParentID: parentID}, nil
}

// FindMessage searches on the subject and sender headers within the days of
// the delivery window and confirms candidates by envelope and internal date.
func (c *Client) FindMessage(ctx context.Context, folderID string, f dedup.Filter) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ready(ctx); err != nil {
		return false, err
	}
	if err := c.selectFolder(folderID); err != nil {
		return false, err
	}

	data, err := c.conn.UIDSearch(SearchCriteria(f), nil).Wait()
	if err != nil {
		return false, wrap("imap search "+folderID, err, nil)
	}
	uids := data.AllUIDs()
	if len(uids) == 0 {
		return false, nil
	}

	msgs, err := c.conn.Fetch(imapv2.UIDSetNum(uids...), &imapv2.FetchOptions{
		UID:          true,
		Envelope:     true,
		InternalDate: true,
	}).Collect()
	if err != nil {
		return false, wrap("imap fetch "+folderID, err, nil)
	}

	for _, msg := range msgs {
		if msg.Envelope == nil {
			continue
		}
		var sender string
		if len(msg.Envelope.From) > 0 {
			sender = msg.Envelope.From[0].Addr()
		}
		if f.Matches(msg.Envelope.Subject, sender, msg.InternalDate) {
			return true, nil
		}
	}
	return false, nil
}

func (c *Client) CreateMessage(ctx context.Context, folderID string, msg *mailbox.Message) (string, error) {
	raw, err := Render(msg)
	if err != nil {
		return "", fmt.Errorf("render message: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ready(ctx); err != nil {
		return "", err
	}

	opts := &imapv2.AppendOptions{Flags: Flags(msg)}
	if !msg.DeliveredAt.IsZero() {
		opts.Time = msg.DeliveredAt
	}

	cmd := c.conn.Append(folderID, int64(len(raw)), opts)
	if _, err := bytes.NewReader(raw).WriteTo(cmd); err != nil {
		_ = cmd.Close()
		return "", wrap("imap append "+folderID, err, nil)
	}
	if err := cmd.Close(); err != nil {
		return "", wrap("imap append "+folderID, err, nil)
	}
	data, err := cmd.Wait()
	if err != nil {
		return "", wrap("imap append "+folderID, err, nil)
	}

	if data != nil && data.UID != 0 {
		return folderID + ":" + strconv.FormatUint(uint64(data.UID), 10), nil
	}
	return msg.InternetMessageID, nil
}

func (c *Client) ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.conn == nil {
		return fmt.Errorf("imap connection is closed")
	}
	return nil
}

func (c *Client) selectFolder(folderID string) error {
	if c.selected == folderID {
		return nil
	}
	if _, err := c.conn.Select(folderID, &imapv2.SelectOptions{ReadOnly: true}).Wait(); err != nil {
		c.selected = ""
		return wrap("imap select "+folderID, err, nil)
	}
	c.selected = folderID
	return nil
}

// SearchCriteria builds the server side search for f. IMAP dates have day
// granularity so the window is widened to whole days.
func SearchCriteria(f dedup.Filter) *imapv2.SearchCriteria {
	criteria := &imapv2.SearchCriteria{
		Header: []imapv2.SearchCriteriaHeaderField{{Key: "Subject", Value: f.Subject}},
	}
	if f.HasSender() {
		criteria.Header = append(criteria.Header, imapv2.SearchCriteriaHeaderField{Key: "From", Value: f.SenderAddress})
	}
	if from, to, ok := f.TimeRange(); ok {
		criteria.Since = day(from)
		criteria.Before = day(to).AddDate(0, 0, 1)
	}
	return criteria
}

func day(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// Flags are the APPEND flags of msg.
func Flags(msg *mailbox.Message) []imapv2.Flag {
	var flags []imapv2.Flag
	if msg.IsDraft {
		flags = append(flags, imapv2.FlagDraft)
	}
	if msg.IsRead {
		flags = append(flags, imapv2.FlagSeen)
	}
	return flags
}

func listPattern(parentID string, delim rune) string {
	if parentID == "" {
		return "%"
	}
	return parentID + string(delim) + "%"
}

func childName(parentID, displayName string, delim rune) string {
	if parentID == "" {
		return displayName
	}
	return parentID + string(delim) + displayName
}

func folderOf(data *imapv2.ListData, parentID string, delim rune) mailbox.Folder {
	name := data.Mailbox
	if d := data.Delim; d != 0 {
		delim = d
	}
	if i := strings.LastIndex(name, string(delim)); i >= 0 {
		name = name[i+len(string(delim)):]
	}

	folder := mailbox.Folder{ID: data.Mailbox, DisplayName: name, ParentID: parentID}
	for _, attr := range data.Attrs {
		if attr == imapv2.MailboxAttrHasChildren {
			folder.ChildFolderCount = 1
		}
	}
	return folder
}

// wrap converts an IMAP failure into a mailbox.ServiceError. fallback is
// wrapped when the server response carries no known code.
func wrap(op string, err error, fallback error) error {
	svcErr := &mailbox.ServiceError{Op: op, Err: err}

	var respErr *imapv2.Error
	if errors.As(err, &respErr) {
		svcErr.Code = string(respErr.Code)
		svcErr.Message = respErr.Text
		switch respErr.Code {
		case imapv2.ResponseCodeNonExistent:
			svcErr.Err = fmt.Errorf("%w: %w", mailbox.ErrNotFound, err)
			return svcErr
		case imapv2.ResponseCodeAuthenticationFailed, imapv2.ResponseCodeAuthorizationFailed:
			svcErr.Err = fmt.Errorf("%w: %w", mailbox.ErrUnauthorized, err)
			return svcErr
		}
	}
	if fallback != nil {
		svcErr.Err = fmt.Errorf("%w: %w", fallback, err)
	}
	return svcErr
}
