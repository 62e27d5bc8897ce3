// Copyright 2015 Matthew Holt and The Caddy Authors
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

//go:build linux

package reactor

import (
	"fmt"
	"net"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/tlsreactor/tlsreactor/session"
)

func newPoller(log *zap.Logger) poller {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		// epoll_create1 failing means the process is out of file
		// descriptors or epoll is unavailable; neither is recoverable
		// for a reactor whose entire job is epoll_wait.
		log.Panic("epoll_create1 failed", zap.Error(err))
	}
	return &epollPoller{
		log:   log,
		epfd:  epfd,
		byIdx: make(map[session.Index]*epollConn),
		byFD:  make(map[int]session.Index),
	}
}

// ConnFD extracts the raw file descriptor behind a net.Conn, for
// callers that need to hand the epoll poller a stable int-ish Index.
func ConnFD(conn net.Conn) (int, error) {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return 0, fmt.Errorf("reactor: %T does not expose a raw file descriptor", conn)
	}
	rc, err := sc.SyscallConn()
	if err != nil {
		return 0, err
	}
	var fd int
	if err := rc.Control(func(descriptor uintptr) {
		fd = int(descriptor)
	}); err != nil {
		return 0, err
	}
	return fd, nil
}

type epollConn struct {
	fd       int
	interest uint32
	conn     net.Conn
}

// epollPoller is the Linux readiness backend: one epoll instance
// shared by every registered connection, interest bits toggled
// per-connection so SelectForRead/SelectForWrite behave like an
// explicit one-shot re-arm rather than level-triggered epoll's default
// "keep telling me" behavior.
type epollPoller struct {
	log  *zap.Logger
	epfd int

	mu    sync.Mutex
	byIdx map[session.Index]*epollConn
	byFD  map[int]session.Index
}

func (p *epollPoller) name() string { return "epoll" }

func (p *epollPoller) register(idx session.Index, conn net.Conn) error {
	fd, err := ConnFD(conn)
	if err != nil {
		return err
	}
	ev := unix.EpollEvent{Events: 0, Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("epoll_ctl add: %w", err)
	}
	p.mu.Lock()
	p.byIdx[idx] = &epollConn{fd: fd, conn: conn}
	p.byFD[fd] = idx
	p.mu.Unlock()
	return nil
}

func (p *epollPoller) modify(idx session.Index, add uint32) error {
	p.mu.Lock()
	c, ok := p.byIdx[idx]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("reactor: unknown index %v", idx)
	}
	c.interest |= add
	ev := unix.EpollEvent{Events: c.interest, Fd: int32(c.fd)}
	fd := c.fd
	p.mu.Unlock()
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev)
}

func (p *epollPoller) armRead(idx session.Index) error  { return p.modify(idx, unix.EPOLLIN) }
func (p *epollPoller) armWrite(idx session.Index) error { return p.modify(idx, unix.EPOLLOUT) }

func (p *epollPoller) unregister(idx session.Index) {
	p.mu.Lock()
	c, ok := p.byIdx[idx]
	if ok {
		delete(p.byIdx, idx)
		delete(p.byFD, c.fd)
	}
	p.mu.Unlock()
	if ok {
		_ = unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, c.fd, nil)
	}
}

func (p *epollPoller) run(stop <-chan struct{}, onReadable, onWritable func(session.Index)) {
	events := make([]unix.EpollEvent, 128)
	for {
		select {
		case <-stop:
			return
		default:
		}

		n, err := unix.EpollWait(p.epfd, events, 100 /* ms */)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			p.log.Error("epoll_wait", zap.Error(err))
			time.Sleep(10 * time.Millisecond)
			continue
		}
		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			p.mu.Lock()
			idx, ok := p.byFD[fd]
			var c *epollConn
			if ok {
				c = p.byIdx[idx]
			}
			p.mu.Unlock()
			if !ok || c == nil {
				continue
			}

			readable := events[i].Events&(unix.EPOLLIN|unix.EPOLLHUP|unix.EPOLLERR) != 0
			writable := events[i].Events&unix.EPOLLOUT != 0

			// Clear delivered interest bits; the session must call
			// SelectForRead/SelectForWrite again to be notified again,
			// matching the idempotent re-arm contract in spec §6.
			p.mu.Lock()
			if readable {
				c.interest &^= unix.EPOLLIN
			}
			if writable {
				c.interest &^= unix.EPOLLOUT
			}
			ev := unix.EpollEvent{Events: c.interest, Fd: int32(fd)}
			p.mu.Unlock()
			_ = unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev)

			if readable {
				onReadable(idx)
			}
			if writable {
				onWritable(idx)
			}
		}
	}
}
