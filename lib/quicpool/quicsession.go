/*
 * Quicpool
 * Copyright (C) 2024  Gravitational, Inc.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

package quicpool

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gravitational/trace"
	"github.com/quic-go/quic-go"

	"github.com/gravitational/quicpool/lib/defaults"
	"github.com/gravitational/quicpool/lib/netmon"
)

// QUICSessionFactoryConfig configures a [QUICSessionFactory].
type QUICSessionFactoryConfig struct {
	// Log is the factory logger.
	Log *slog.Logger
	// QUICConfig is the base quic-go configuration. Version and handshake
	// timeout fields are overridden per session.
	QUICConfig *quic.Config
}

func (c *QUICSessionFactoryConfig) checkAndSetDefaults() error {
	if c.Log == nil {
		c.Log = slog.Default()
	}
	c.Log = c.Log.With("component", "quic:factory")
	if c.QUICConfig == nil {
		c.QUICConfig = &quic.Config{}
	}
	return nil
}

// QUICSessionFactory builds [Session]s on top of quic-go, both directly
// over UDP and tunneled through a stream of another session.
type QUICSessionFactory struct {
	log  *slog.Logger
	base *quic.Config
}

// NewQUICSessionFactory creates a QUICSessionFactory.
func NewQUICSessionFactory(cfg QUICSessionFactoryConfig) (*QUICSessionFactory, error) {
	if err := cfg.checkAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &QUICSessionFactory{
		log:  cfg.Log,
		base: cfg.QUICConfig,
	}, nil
}

// New implements [SessionFactory].
func (f *QUICSessionFactory) New(ctx context.Context, params SessionParams) (Session, error) {
	if !params.Endpoint.IsValid() {
		return nil, trace.BadParameter("missing endpoint address")
	}

	udpConn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	transport := &quic.Transport{Conn: udpConn}
	conn, err := transport.DialEarly(ctx,
		net.UDPAddrFromAddrPort(params.Endpoint),
		f.tlsConfig(params),
		f.quicConfig(params),
	)
	if err != nil {
		_ = transport.Close()
		_ = udpConn.Close()
		return nil, trace.Wrap(translateQUICError(errors.Join(ErrSessionCreation, err)))
	}

	return &quicSession{
		log:       f.log,
		conn:      conn,
		transport: transport,
		pconn:     udpConn,
		params:    params,
	}, nil
}

// NewFromStream implements [SessionFactory]. The stream carries QUIC
// packets with a two byte length prefix.
func (f *QUICSessionFactory) NewFromStream(ctx context.Context, stream Stream, params SessionParams) (Session, error) {
	if stream == nil {
		return nil, trace.BadParameter("missing tunnel stream")
	}

	pconn := newStreamPacketConn(stream)
	transport := &quic.Transport{Conn: pconn}
	conn, err := transport.DialEarly(ctx,
		tunnelAddr{},
		f.tlsConfig(params),
		f.quicConfig(params),
	)
	if err != nil {
		_ = transport.Close()
		_ = pconn.Close()
		return nil, trace.Wrap(translateQUICError(errors.Join(ErrSessionCreation, err)))
	}

	return &quicSession{
		log:       f.log,
		conn:      conn,
		transport: transport,
		pconn:     pconn,
		params:    params,
		tunneled:  true,
	}, nil
}

func (f *QUICSessionFactory) tlsConfig(params SessionParams) *tls.Config {
	conf := params.Crypto.TLSConfig().Clone()
	conf.ServerName = params.Key.ServerID.Host
	conf.NextProtos = []string{params.Version.ALPN()}
	conf.MinVersion = tls.VersionTLS13
	return conf
}

func (f *QUICSessionFactory) quicConfig(params SessionParams) *quic.Config {
	conf := f.base.Clone()
	conf.Versions = []quic.Version{params.Version.quicVersion()}
	if conf.HandshakeIdleTimeout == 0 {
		conf.HandshakeIdleTimeout = defaults.HandshakeTimeout
	}
	return conf
}

type quicSession struct {
	log       *slog.Logger
	conn      *quic.Conn
	transport *quic.Transport
	pconn     net.PacketConn
	params    SessionParams
	tunneled  bool

	goingAway atomic.Bool
	errorCode atomic.Uint64
	closeOnce sync.Once
}

var _ Session = (*quicSession)(nil)

// StartReading implements [Session]. quic-go runs its own read loop, so
// there is nothing to start.
func (s *quicSession) StartReading() error { return nil }

// CryptoConnect implements [Session].
func (s *quicSession) CryptoConnect(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, defaults.HandshakeTimeout)
	defer cancel()

	select {
	case <-s.conn.HandshakeComplete():
		return nil
	case <-s.conn.Context().Done():
		err := context.Cause(s.conn.Context())
		s.recordErrorCode(err)
		return trace.Wrap(translateQUICError(err))
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return trace.Wrap(errors.Join(ErrHandshakeTimeout, ctx.Err()))
		}
		return trace.Wrap(ctx.Err())
	}
}

// OneRTTKeysAvailable implements [Session].
func (s *quicSession) OneRTTKeysAvailable() bool {
	select {
	case <-s.conn.HandshakeComplete():
		return true
	default:
		return false
	}
}

// Connected implements [Session].
func (s *quicSession) Connected() bool {
	return s.conn.Context().Err() == nil
}

// PeerAddress implements [Session].
func (s *quicSession) PeerAddress() netip.AddrPort {
	if s.tunneled {
		return netip.AddrPort{}
	}
	if addr, ok := s.conn.RemoteAddr().(*net.UDPAddr); ok {
		return addr.AddrPort()
	}
	return netip.AddrPort{}
}

// CanPool implements [Session]. Pooling is safe when the peer's
// certificate also covers the requested hostname.
func (s *quicSession) CanPool(hostname string, key SessionKey) bool {
	state := s.conn.ConnectionState().TLS
	if len(state.PeerCertificates) == 0 {
		return false
	}
	return state.PeerCertificates[0].VerifyHostname(hostname) == nil
}

// OpenStream implements [Session].
func (s *quicSession) OpenStream(ctx context.Context) (Stream, error) {
	if s.goingAway.Load() {
		return nil, trace.ConnectionProblem(nil, "session is going away")
	}
	stream, err := s.conn.OpenStreamSync(ctx)
	if err != nil {
		s.recordErrorCode(err)
		return nil, trace.Wrap(translateQUICError(err))
	}
	return stream, nil
}

// MigrateToNetwork implements [Session]. Rebinding the socket to a
// specific network requires platform support quic-go does not expose, so
// sessions report migration failure and get closed instead.
func (s *quicSession) MigrateToNetwork(ctx context.Context, network netmon.Handle) error {
	return trace.NotImplemented("session migration is not supported by this transport")
}

// HasNonMigratableStreams implements [Session].
func (s *quicSession) HasNonMigratableStreams() bool { return false }

// MarkGoingAway implements [Session].
func (s *quicSession) MarkGoingAway() { s.goingAway.Store(true) }

// Close implements [Session].
func (s *quicSession) Close(reason CloseReason, err error) error {
	s.recordErrorCode(err)
	var closeErr error
	s.closeOnce.Do(func() {
		closeErr = s.conn.CloseWithError(0, reason.String())
		_ = s.transport.Close()
		_ = s.pconn.Close()
	})
	return trace.Wrap(closeErr)
}

// ConnectionErrorCode implements [Session].
func (s *quicSession) ConnectionErrorCode() uint64 {
	if err := context.Cause(s.conn.Context()); err != nil {
		s.recordErrorCode(err)
	}
	return s.errorCode.Load()
}

func (s *quicSession) recordErrorCode(err error) {
	var transportErr *quic.TransportError
	if errors.As(err, &transportErr) {
		s.errorCode.Store(uint64(transportErr.ErrorCode))
	}
}

// translateQUICError joins quic-go failures with the pool's sentinel
// errors so retry decisions can use errors.Is.
func translateQUICError(err error) error {
	if err == nil {
		return nil
	}
	var (
		idleErr      *quic.IdleTimeoutError
		handshakeErr *quic.HandshakeTimeoutError
		transportErr *quic.TransportError
		certErr      *tls.CertificateVerificationError
	)
	switch {
	case errors.As(err, &idleErr):
		return errors.Join(ErrIdleTimeout, err)
	case errors.As(err, &handshakeErr):
		return errors.Join(ErrHandshakeTimeout, err)
	case errors.As(err, &certErr):
		return errors.Join(ErrProofInvalid, err)
	case errors.As(err, &transportErr):
		if transportErr.ErrorCode.IsCryptoError() {
			return errors.Join(ErrHandshakeFailed, err)
		}
		return err
	case errors.Is(err, net.ErrClosed):
		return errors.Join(ErrWriteError, err)
	}
	return err
}

// tunnelAddr is the synthetic peer address of a tunneled session.
type tunnelAddr struct{}

func (tunnelAddr) Network() string { return "quic-tunnel" }
func (tunnelAddr) String() string  { return "tunnel" }

// streamPacketConn adapts a reliable stream into the packet interface
// quic-go dials over. Each datagram is framed with a big endian two byte
// length.
type streamPacketConn struct {
	stream Stream

	readMu  sync.Mutex
	writeMu sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}
}

var _ net.PacketConn = (*streamPacketConn)(nil)

func newStreamPacketConn(stream Stream) *streamPacketConn {
	return &streamPacketConn{
		stream: stream,
		closed: make(chan struct{}),
	}
}

func (c *streamPacketConn) ReadFrom(p []byte) (int, net.Addr, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	var header [2]byte
	if _, err := io.ReadFull(c.stream, header[:]); err != nil {
		return 0, nil, err
	}
	size := int(binary.BigEndian.Uint16(header[:]))
	if size > len(p) {
		// Datagram too large for the buffer; drain and drop it.
		if _, err := io.CopyN(io.Discard, c.stream, int64(size)); err != nil {
			return 0, nil, err
		}
		return 0, tunnelAddr{}, nil
	}
	if _, err := io.ReadFull(c.stream, p[:size]); err != nil {
		return 0, nil, err
	}
	return size, tunnelAddr{}, nil
}

func (c *streamPacketConn) WriteTo(p []byte, _ net.Addr) (int, error) {
	if len(p) > 0xffff {
		return 0, trace.BadParameter("datagram exceeds frame size")
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	buf := make([]byte, 2+len(p))
	binary.BigEndian.PutUint16(buf, uint16(len(p)))
	copy(buf[2:], p)
	if _, err := c.stream.Write(buf); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *streamPacketConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.stream.Close()
	})
	return err
}

func (c *streamPacketConn) LocalAddr() net.Addr { return tunnelAddr{} }

// Deadlines are not supported on the tunnel; quic-go drives its own
// timers.
func (c *streamPacketConn) SetDeadline(time.Time) error      { return nil }
func (c *streamPacketConn) SetReadDeadline(time.Time) error  { return nil }
func (c *streamPacketConn) SetWriteDeadline(time.Time) error { return nil }
