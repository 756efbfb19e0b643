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
	"crypto/tls"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCryptoConfigCachePartitions(t *testing.T) {
	t.Parallel()
	cache := newCryptoConfigCache(&tls.Config{ServerName: "base"})

	a1 := cache.handle("site-a")
	a2 := cache.handle("site-a")
	b := cache.handle("site-b")

	// Same partition shares one configuration, and with it the TLS session
	// resumption cache.
	require.Same(t, a1.TLSConfig(), a2.TLSConfig())
	require.NotSame(t, a1.TLSConfig(), b.TLSConfig())
	require.NotNil(t, a1.TLSConfig().ClientSessionCache)

	// The base configuration is cloned, never handed out.
	require.Equal(t, "base", a1.TLSConfig().ServerName)

	// Releasing one handle keeps the partition alive for the other.
	a1.Close()
	a1.Close() // idempotent
	a3 := cache.handle("site-a")
	require.Same(t, a2.TLSConfig(), a3.TLSConfig())

	// Dropping the last handle drops the partition and its resumption
	// state with it.
	a2.Close()
	a3.Close()
	a4 := cache.handle("site-a")
	require.NotSame(t, a2.TLSConfig(), a4.TLSConfig())
}
