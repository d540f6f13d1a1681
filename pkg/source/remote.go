package source

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/supporttools/log-sentinel/pkg/logger"
	"github.com/supporttools/log-sentinel/pkg/types"
)

// remoteConn is one live SSH connection with its SFTP session.
type remoteConn struct {
	ssh  *ssh.Client
	sftp *sftp.Client
}

func (c *remoteConn) Close() error {
	var errs []error
	if c.sftp != nil {
		errs = append(errs, c.sftp.Close())
	}
	if c.ssh != nil {
		errs = append(errs, c.ssh.Close())
	}
	return errors.Join(errs...)
}

type sftpFileSystem struct {
	client *sftp.Client
}

func (s sftpFileSystem) Stat(path string) (os.FileInfo, error) {
	return s.client.Stat(path)
}

func (s sftpFileSystem) Open(path string) (logFile, error) {
	return s.client.Open(path)
}

type dialFunc func(ctx context.Context, ep types.RemoteEndpoint) (*remoteConn, error)

// ClientPool caches SSH/SFTP connections per user@host:port so that every
// path on a host shares one connection across cycles.
type ClientPool struct {
	mu      sync.Mutex
	conns   map[string]*remoteConn
	dial    dialFunc
	timeout time.Duration
	log     *logrus.Entry
}

// NewClientPool creates an empty pool. dialTimeout bounds the TCP connect
// and SSH handshake.
func NewClientPool(dialTimeout time.Duration) *ClientPool {
	p := &ClientPool{
		conns:   make(map[string]*remoteConn),
		timeout: dialTimeout,
		log:     logger.ForComponent("ssh-pool"),
	}
	p.dial = p.dialSSH
	return p
}

func poolKey(ep types.RemoteEndpoint) string {
	return ep.Username + "@" + net.JoinHostPort(ep.Host, strconv.Itoa(ep.Port))
}

// get returns a cached connection, or dials a new one. The second return
// value reports whether the connection came from the cache.
func (p *ClientPool) get(ctx context.Context, ep types.RemoteEndpoint) (*remoteConn, bool, error) {
	key := poolKey(ep)

	p.mu.Lock()
	if conn, ok := p.conns[key]; ok {
		p.mu.Unlock()
		return conn, true, nil
	}
	p.mu.Unlock()

	conn, err := p.dial(ctx, ep)
	if err != nil {
		return nil, false, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if existing, ok := p.conns[key]; ok {
		// another reader on the same host won the race
		conn.Close()
		return existing, true, nil
	}
	p.conns[key] = conn
	return conn, false, nil
}

// evict drops and closes conn if it is still the cached one for ep.
func (p *ClientPool) evict(ep types.RemoteEndpoint, conn *remoteConn) {
	key := poolKey(ep)
	p.mu.Lock()
	if p.conns[key] == conn {
		delete(p.conns, key)
	}
	p.mu.Unlock()

	if err := conn.Close(); err != nil {
		p.log.WithField("endpoint", key).WithError(err).Debug("Error closing evicted connection")
	}
}

// Close closes every cached connection.
func (p *ClientPool) Close() error {
	p.mu.Lock()
	conns := p.conns
	p.conns = make(map[string]*remoteConn)
	p.mu.Unlock()

	var errs []error
	for _, conn := range conns {
		errs = append(errs, conn.Close())
	}
	return errors.Join(errs...)
}

func (p *ClientPool) dialSSH(ctx context.Context, ep types.RemoteEndpoint) (*remoteConn, error) {
	config, err := p.clientConfig(ep)
	if err != nil {
		return nil, err
	}

	dialer := &net.Dialer{Timeout: p.timeout}
	netConn, err := dialer.DialContext(ctx, "tcp", ep.Address())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", ep.Address(), err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		netConn.SetDeadline(deadline)
	}

	c, chans, reqs, err := ssh.NewClientConn(netConn, ep.Address(), config)
	if err != nil {
		netConn.Close()
		return nil, fmt.Errorf("ssh handshake with %s failed: %w", ep.Address(), err)
	}
	// the handshake deadline must not leak into later cycles
	netConn.SetDeadline(time.Time{})

	client := ssh.NewClient(c, chans, reqs)
	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to start sftp session on %s: %w", ep.Address(), err)
	}

	p.log.WithField("endpoint", poolKey(ep)).Info("Connected to remote host")
	return &remoteConn{ssh: client, sftp: sftpClient}, nil
}

func (p *ClientPool) clientConfig(ep types.RemoteEndpoint) (*ssh.ClientConfig, error) {
	var auth []ssh.AuthMethod
	if ep.KeyFile != "" {
		key, err := os.ReadFile(ep.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read key file %s: %w", ep.KeyFile, err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("failed to parse key file %s: %w", ep.KeyFile, err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if ep.Password != "" {
		auth = append(auth, ssh.Password(ep.Password))
	}
	if len(auth) == 0 {
		return nil, fmt.Errorf("no credentials configured for %s", poolKey(ep))
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if ep.KnownHostsFile != "" {
		cb, err := knownhosts.New(ep.KnownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load known hosts %s: %w", ep.KnownHostsFile, err)
		}
		hostKeyCallback = cb
	} else {
		p.log.WithField("endpoint", poolKey(ep)).Warn("No knownHostsFile configured, host key is not verified")
	}

	return &ssh.ClientConfig{
		User:            ep.Username,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         p.timeout,
	}, nil
}

// RemoteReader reads a file on a remote host over SFTP.
type RemoteReader struct {
	src  types.LogSource
	opts Options
	pool *ClientPool
}

// NewRemoteReader creates a reader for a remote source backed by pool.
func NewRemoteReader(src types.LogSource, opts Options, pool *ClientPool) (*RemoteReader, error) {
	if src.Remote == nil {
		return nil, fmt.Errorf("source %s has no remote endpoint", src.ID)
	}
	if pool == nil {
		return nil, fmt.Errorf("remote source %s requires a client pool", src.ID)
	}
	return &RemoteReader{src: src, opts: opts, pool: pool}, nil
}

// Source returns the source this reader serves.
func (r *RemoteReader) Source() types.LogSource {
	return r.src
}

// ReadNew reads new lines over SFTP. A cached connection that fails at the
// transport level is evicted and re-dialled once.
func (r *RemoteReader) ReadNew(ctx context.Context, checkpoint *types.Checkpoint) (ReadResult, error) {
	result, retry, err := r.attempt(ctx, checkpoint)
	if err == nil || !retry {
		return result, err
	}
	logger.ForComponent("source").
		WithField(logger.FieldSource, r.src.ID).
		WithError(err).
		Debug("Cached connection failed, re-dialling")
	result, _, err = r.attempt(ctx, checkpoint)
	return result, err
}

func (r *RemoteReader) attempt(ctx context.Context, checkpoint *types.Checkpoint) (ReadResult, bool, error) {
	ep := *r.src.Remote
	conn, cached, err := r.pool.get(ctx, ep)
	if err != nil {
		return ReadResult{}, false, unavailable(r.src.ID, "connect", err)
	}

	type outcome struct {
		result ReadResult
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := readNew(ctx, sftpFileSystem{client: conn.sftp}, r.src, checkpoint, r.opts)
		done <- outcome{res, err}
	}()

	select {
	case out := <-done:
		if out.err != nil && isTransportError(out.err) {
			r.pool.evict(ep, conn)
			return ReadResult{}, cached && ctx.Err() == nil, out.err
		}
		return out.result, false, out.err
	case <-ctx.Done():
		// closing the connection unblocks the pending SFTP call
		r.pool.evict(ep, conn)
		return ReadResult{}, false, unavailable(r.src.ID, "read", ctx.Err())
	}
}

// Close is a no-op; connections belong to the pool.
func (r *RemoteReader) Close() error {
	return nil
}

// isTransportError separates broken connections from file-level failures
// such as a missing path or a permission problem.
func isTransportError(err error) bool {
	if errors.Is(err, os.ErrNotExist) || errors.Is(err, os.ErrPermission) || errors.Is(err, os.ErrInvalid) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var status *sftp.StatusError
	return !errors.As(err, &status)
}
