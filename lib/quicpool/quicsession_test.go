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
	"bytes"
	"crypto/tls"
	"errors"
	"net"
	"testing"

	"github.com/quic-go/quic-go"
	"github.com/stretchr/testify/require"
)

func TestStreamPacketConnFraming(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	out := newStreamPacketConn(&fakeDuplexStream{Buffer: &buf})

	payload := []byte("quic initial packet")
	n, err := out.WriteTo(payload, tunnelAddr{})
	require.NoError(t, err)
	require.Equal(t, len(payload), n)

	// A second datagram on the same stream.
	second := []byte("second")
	_, err = out.WriteTo(second, tunnelAddr{})
	require.NoError(t, err)

	in := newStreamPacketConn(&fakeDuplexStream{Buffer: &buf})
	got := make([]byte, 1500)
	n, addr, err := in.ReadFrom(got)
	require.NoError(t, err)
	require.Equal(t, payload, got[:n])
	require.Equal(t, tunnelAddr{}, addr)

	n, _, err = in.ReadFrom(got)
	require.NoError(t, err)
	require.Equal(t, second, got[:n])
}

func TestStreamPacketConnOversizedDatagramDropped(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	out := newStreamPacketConn(&fakeDuplexStream{Buffer: &buf})

	big := make([]byte, 1200)
	_, err := out.WriteTo(big, tunnelAddr{})
	require.NoError(t, err)
	_, err = out.WriteTo([]byte("after"), tunnelAddr{})
	require.NoError(t, err)

	in := newStreamPacketConn(&fakeDuplexStream{Buffer: &buf})
	small := make([]byte, 64)
	n, _, err := in.ReadFrom(small)
	require.NoError(t, err)
	require.Zero(t, n)

	// The oversized datagram was drained; the next one reads cleanly.
	n, _, err = in.ReadFrom(small)
	require.NoError(t, err)
	require.Equal(t, []byte("after"), small[:n])
}

type fakeDuplexStream struct {
	*bytes.Buffer
}

func (s *fakeDuplexStream) Close() error { return nil }

func TestTranslateQUICError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		err    error
		expect error
	}{
		{
			name:   "idle timeout",
			err:    &quic.IdleTimeoutError{},
			expect: ErrIdleTimeout,
		},
		{
			name:   "handshake timeout",
			err:    &quic.HandshakeTimeoutError{},
			expect: ErrHandshakeTimeout,
		},
		{
			name:   "crypto transport error",
			err:    &quic.TransportError{ErrorCode: quic.TransportErrorCode(0x128)},
			expect: ErrHandshakeFailed,
		},
		{
			name:   "certificate verification",
			err:    &tls.CertificateVerificationError{Err: errors.New("bad cert")},
			expect: ErrProofInvalid,
		},
		{
			name:   "closed socket",
			err:    net.ErrClosed,
			expect: ErrWriteError,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.ErrorIs(t, translateQUICError(tc.err), tc.expect)
		})
	}

	require.NoError(t, translateQUICError(nil))

	// Non-crypto transport errors keep their own identity.
	err := &quic.TransportError{ErrorCode: quic.FlowControlError}
	require.NotErrorIs(t, translateQUICError(err), ErrHandshakeFailed)
}

func TestRetryableHandshakeErrors(t *testing.T) {
	t.Parallel()
	require.True(t, isRetryableHandshakeError(translateQUICError(&quic.IdleTimeoutError{})))
	require.True(t, isRetryableHandshakeError(translateQUICError(&quic.HandshakeTimeoutError{})))
	require.True(t, isRetryableHandshakeError(translateQUICError(net.ErrClosed)))
	require.False(t, isRetryableHandshakeError(translateQUICError(&quic.TransportError{
		ErrorCode: quic.TransportErrorCode(0x128),
	})))
}
