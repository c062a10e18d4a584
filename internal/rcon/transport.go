// Package rcon speaks the connectionless Quake 3 remote console protocol.
package rcon

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ernie/urtwarden/internal/metrics"
)

const (
	q3Header    = "\xff\xff\xff\xff"
	rconPrefix  = q3Header + "rcon "
	printPrefix = q3Header + "print\n"
	maxResponse = 65535

	// followUpWait bounds the wait for extra packets of a multi-packet reply
	followUpWait = 150 * time.Millisecond

	DefaultInterval        = 180 * time.Millisecond
	DefaultWaitingInterval = 500 * time.Millisecond
	DefaultTimeout         = 2 * time.Second
	DefaultTestTimeout     = 5 * time.Second
)

// Clock is the time source used for send spacing
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

type realClock struct{}

func (realClock) Now() time.Time        { return time.Now() }
func (realClock) Sleep(d time.Duration) { time.Sleep(d) }

// ValidityCache remembers which server addresses passed a Test
type ValidityCache struct {
	mu       sync.Mutex
	verified map[string]bool
}

// NewValidityCache creates an empty cache
func NewValidityCache() *ValidityCache {
	return &ValidityCache{verified: make(map[string]bool)}
}

// Verified reports whether address has passed a Test
func (c *ValidityCache) Verified(address string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.verified[address]
}

// Mark records the outcome of a Test for address
func (c *ValidityCache) Mark(address string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.verified[address] = ok
}

// Options tunes a Transport. Zero values take the defaults.
type Options struct {
	Interval        time.Duration // minimum spacing between packets
	WaitingInterval time.Duration // spacing while waiting mode is set
	Timeout         time.Duration // default reply timeout for Query
	Clock           Clock
	Validity        *ValidityCache
	Logger          logrus.FieldLogger
}

// Transport sends rcon commands to one server. Calls are serialized and
// consecutive packets are spaced by at least the configured interval.
type Transport struct {
	address  string
	password string
	opts     Options
	log      logrus.FieldLogger

	mu          sync.Mutex
	conn        net.Conn
	lastSend    time.Time
	waiting     bool
	lastErr     ErrorKind
	lastCommand string
}

// New creates a transport for a "host:port" address
func New(address, password string, opts Options) *Transport {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.WaitingInterval <= 0 {
		opts.WaitingInterval = DefaultWaitingInterval
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Clock == nil {
		opts.Clock = realClock{}
	}
	if opts.Validity == nil {
		opts.Validity = NewValidityCache()
	}
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Transport{
		address:  address,
		password: password,
		opts:     opts,
		log:      log.WithField("rcon", address),
	}
}

// Address returns the server address
func (t *Transport) Address() string {
	return t.address
}

// SetWaiting switches between the normal and the slower waiting interval
func (t *Transport) SetWaiting(waiting bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.waiting = waiting
}

// LastError returns the kind of the most recent failure, or zero
func (t *Transport) LastError() ErrorKind {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastErr
}

// LastSendTime returns when the most recent packet left
func (t *Transport) LastSendTime() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastSend
}

// Send transmits a command without waiting for a reply. An unverified
// server is tested once first.
func (t *Transport) Send(command string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.opts.Validity.Verified(t.address) {
		if !t.test(DefaultTestTimeout) {
			return fmt.Errorf("rcon %s: %w", t.address, t.lastErr)
		}
	}
	if err := t.write(command); err != nil {
		return err
	}
	t.lastErr = 0
	return nil
}

// Resend replays the last command built by Send or Query
func (t *Transport) Resend() error {
	t.mu.Lock()
	cmd := t.lastCommand
	t.mu.Unlock()
	if cmd == "" {
		return errors.New("rcon: nothing to resend")
	}
	return t.Send(cmd)
}

// Query sends a command and returns the reply payload with the print header stripped
func (t *Transport) Query(command string, timeout time.Duration) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.query(command, timeout)
}

// Test checks that the server answers and accepts the password
func (t *Transport) Test(timeout time.Duration) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.test(timeout)
}

// Close releases the socket
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	return err
}

func (t *Transport) test(timeout time.Duration) bool {
	_, err := t.query(string(CmdStatus), timeout)
	ok := err == nil
	t.opts.Validity.Mark(t.address, ok)
	if !ok {
		t.log.WithError(err).Warn("rcon test failed")
	}
	return ok
}

func (t *Transport) query(command string, timeout time.Duration) ([]byte, error) {
	if timeout <= 0 {
		timeout = t.opts.Timeout
	}
	t.drain()
	if err := t.write(command); err != nil {
		return nil, err
	}

	reply, err := t.readReply(timeout)
	if err != nil {
		return nil, err
	}
	if len(reply) == 0 {
		return nil, t.fail(ErrNoReply)
	}
	if kind := classifyReply(string(reply)); kind != 0 {
		return nil, t.fail(kind)
	}
	t.lastErr = 0
	return reply, nil
}

// write waits out the spacing interval and sends one packet
func (t *Transport) write(command string) error {
	if t.conn == nil {
		conn, err := net.DialTimeout("udp", t.address, t.opts.Timeout)
		if err != nil {
			t.log.WithError(err).Warn("rcon dial failed")
			return t.fail(ErrConnection)
		}
		t.conn = conn
	}

	interval := t.opts.Interval
	if t.waiting {
		interval = t.opts.WaitingInterval
	}
	if !t.lastSend.IsZero() {
		if wait := t.lastSend.Add(interval).Sub(t.opts.Clock.Now()); wait > 0 {
			t.opts.Clock.Sleep(wait)
		}
	}

	// Format: \xff\xff\xff\xffrcon <password> <command>\n
	packet := fmt.Sprintf("%s%s %s\n", rconPrefix, t.password, command)
	t.lastSend = t.opts.Clock.Now()
	t.lastCommand = command
	if _, err := t.conn.Write([]byte(packet)); err != nil {
		t.log.WithError(err).Warn("rcon send failed")
		t.conn.Close()
		t.conn = nil
		return t.fail(ErrConnection)
	}
	metrics.RconCommands.WithLabelValues(t.address, "sent").Inc()
	return nil
}

// readReply collects print packets until the timeout, then briefly waits
// for continuation packets of a long reply
func (t *Transport) readReply(timeout time.Duration) ([]byte, error) {
	var response strings.Builder
	buf := make([]byte, maxResponse)
	deadline := time.Now().Add(timeout)

	for {
		t.conn.SetReadDeadline(deadline)
		n, err := t.conn.Read(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				break
			}
			if response.Len() > 0 {
				break
			}
			t.conn.Close()
			t.conn = nil
			return nil, t.fail(ErrConnection)
		}

		data := string(buf[:n])
		if !strings.HasPrefix(data, printPrefix) {
			continue
		}
		response.WriteString(strings.TrimPrefix(data, printPrefix))
		deadline = time.Now().Add(followUpWait)
	}

	return []byte(response.String()), nil
}

// drain discards replies to earlier Sends so they are not taken as the
// answer to the next query
func (t *Transport) drain() {
	if t.conn == nil {
		return
	}
	buf := make([]byte, maxResponse)
	for {
		t.conn.SetReadDeadline(time.Now().Add(time.Millisecond))
		if _, err := t.conn.Read(buf); err != nil {
			return
		}
	}
}

func (t *Transport) fail(kind ErrorKind) error {
	t.lastErr = kind
	metrics.RconCommands.WithLabelValues(t.address, kind.String()).Inc()
	return fmt.Errorf("rcon %s: %w", t.address, kind)
}

func trimReply(body string) string {
	return strings.TrimSpace(body)
}
