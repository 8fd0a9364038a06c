//go:build ceph

/*
Copyright (C) 2024-2026  Carl-Philip Hänsch

	This program is free software: you can redistribute it and/or modify
	it under the terms of the GNU General Public License as published by
	the Free Software Foundation, either version 3 of the License, or
	(at your option) any later version.

	This program is distributed in the hope that it will be useful,
	but WITHOUT ANY WARRANTY; without even the implied warranty of
	MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
	GNU General Public License for more details.

	You should have received a copy of the GNU General Public License
	along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package span

import (
	"fmt"
	"sync"

	"github.com/ceph/go-ceph/rados"
)

// CephConfig names a RADOS pool/object to back a span (ceph_stub.go holds
// the same declaration for builds without -tags=ceph).
type CephConfig struct {
	ClusterName string
	UserName    string
	ConfFile    string
	Pool        string
	Object      string
}

// CephSpan backs a span with a single RADOS object, read/written with
// rados.IOContext.Read/Write at a byte offset, which (unlike S3) supports
// true partial-object writes, so CephSpan can participate in the
// aggregation writer the same way a local file can.
type CephSpan struct {
	cfg  CephConfig
	size int64

	mu   sync.Mutex
	conn *rados.Conn
	ioctx *rados.IOContext
}

func OpenCeph(cfg CephConfig, size int64) (Span, error) {
	conn, err := rados.NewConnWithClusterAndUser(cfg.ClusterName, cfg.UserName)
	if err != nil {
		return nil, fmt.Errorf("span: ceph conn: %w", err)
	}
	if err := conn.ReadConfigFile(cfg.ConfFile); err != nil {
		return nil, fmt.Errorf("span: ceph config: %w", err)
	}
	if err := conn.Connect(); err != nil {
		return nil, fmt.Errorf("span: ceph connect: %w", err)
	}
	ioctx, err := conn.OpenIOContext(cfg.Pool)
	if err != nil {
		conn.Shutdown()
		return nil, fmt.Errorf("span: ceph pool %q: %w", cfg.Pool, err)
	}
	return &CephSpan{cfg: cfg, size: size, conn: conn, ioctx: ioctx}, nil
}

func (s *CephSpan) ReadAt(p []byte, off int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ioctx.Read(s.cfg.Object, p, uint64(off))
}

func (s *CephSpan) WriteAt(p []byte, off int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ioctx.Write(s.cfg.Object, p, uint64(off)); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (s *CephSpan) Sync() error {
	return nil // RADOS writes are durable once acked; no separate flush step.
}

func (s *CephSpan) Size() int64 { return s.size }

func (s *CephSpan) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ioctx.Destroy()
	s.conn.Shutdown()
	return nil
}
