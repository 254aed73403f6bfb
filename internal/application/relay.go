package application

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"catsocks/internal/domain"
	"catsocks/internal/infrastructure/modem"
)

const (
	handshakeTimeout = 10 * time.Second
	closeTimeout     = 5 * time.Second

	// receivePoll bounds a single wait on the inbound queue so a
	// relay direction stays cancellable.
	receivePoll = 500 * time.Millisecond

	clientBufSize = 4096
)

// RelayService accepts SOCKS5 clients and runs one relay engine per
// connection: handshake, acquire a virtual socket, then a
// bidirectional copy loop until either side closes. It only ever sees
// socket-state outcomes from the modem layer; transport and protocol
// errors never reach the SOCKS boundary.
type RelayService struct {
	log      *slog.Logger
	modem    *modem.Manager
	resolver domain.Resolver // nil means the modem resolves hostnames
	addr     string
}

func NewRelayService(log *slog.Logger, m *modem.Manager, res domain.Resolver, addr string) *RelayService {
	return &RelayService{
		log:      log,
		modem:    m,
		resolver: res,
		addr:     addr,
	}
}

// ListenAndServe accepts clients until ctx is done.
func (s *RelayService) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts clients on ln until ctx is done.
func (s *RelayService) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	s.log.Info("SOCKS5 proxy listening", "addr", ln.Addr().String())
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.log.Error("accept failed", "error", err)
			continue
		}
		go s.handleClient(ctx, conn)
	}
}

func (s *RelayService) handleClient(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	s.log.Info("client connected", "addr", conn.RemoteAddr().String())

	conn.SetDeadline(time.Now().Add(handshakeTimeout))
	host, port, ok := s.handshake(conn)
	if !ok {
		return
	}
	conn.SetDeadline(time.Time{})

	if s.resolver != nil {
		ip, err := s.resolver.Resolve(host)
		if err != nil {
			s.log.Warn("resolve failed", "host", host, "error", err)
			s.reply(conn, domain.ReplyGeneralFailure)
			return
		}
		host = ip.String()
	}

	sk, err := s.modem.Open(ctx, host, port)
	if err != nil {
		s.log.Warn("connect refused", "host", host, "port", port, "error", err)
		s.reply(conn, domain.ReplyGeneralFailure)
		return
	}
	s.log.Info("connected", "host", host, "port", port, "id", sk.ID())
	if !s.reply(conn, domain.ReplySucceeded) {
		s.modem.Close(context.WithoutCancel(ctx), sk)
		return
	}

	s.relay(ctx, conn, sk)
}

// handshake runs the SOCKS5 negotiation and CONNECT parse. A request
// that cannot even be parsed is dropped with no reply; recognized but
// unsupported requests get the generic failure reply for their case.
func (s *RelayService) handshake(conn net.Conn) (host string, port int, ok bool) {
	hdr := make([]byte, 2)
	if _, err := io.ReadFull(conn, hdr); err != nil {
		return "", 0, false
	}
	if hdr[0] != domain.SocksVersion5 || hdr[1] == 0 {
		return "", 0, false
	}
	methods := make([]byte, int(hdr[1]))
	if _, err := io.ReadFull(conn, methods); err != nil {
		return "", 0, false
	}
	if !bytes.ContainsRune(methods, 0x00) {
		conn.Write([]byte{domain.SocksVersion5, domain.NoAcceptableMethods})
		return "", 0, false
	}
	if _, err := conn.Write([]byte{domain.SocksVersion5, 0x00}); err != nil {
		return "", 0, false
	}

	req := make([]byte, 4)
	if _, err := io.ReadFull(conn, req); err != nil {
		return "", 0, false
	}
	if req[0] != domain.SocksVersion5 {
		return "", 0, false
	}
	if req[1] != domain.CmdConnect {
		s.log.Warn("unsupported command", "cmd", req[1])
		s.reply(conn, domain.ReplyCmdNotSupported)
		return "", 0, false
	}

	switch req[3] {
	case domain.AtypIPv4:
		var a [4]byte
		if _, err := io.ReadFull(conn, a[:]); err != nil {
			return "", 0, false
		}
		host = net.IP(a[:]).String()
	case domain.AtypDomain:
		var l [1]byte
		if _, err := io.ReadFull(conn, l[:]); err != nil {
			return "", 0, false
		}
		name := make([]byte, int(l[0]))
		if _, err := io.ReadFull(conn, name); err != nil {
			return "", 0, false
		}
		host = string(name)
	default:
		s.log.Warn("unsupported address type", "atyp", req[3])
		s.reply(conn, domain.ReplyAtypNotSupported)
		return "", 0, false
	}

	var pb [2]byte
	if _, err := io.ReadFull(conn, pb[:]); err != nil {
		return "", 0, false
	}
	return host, int(binary.BigEndian.Uint16(pb[:])), true
}

func (s *RelayService) reply(conn net.Conn, code byte) bool {
	_, err := conn.Write([]byte{
		domain.SocksVersion5, code, 0x00, domain.AtypIPv4,
		0, 0, 0, 0, 0, 0,
	})
	return err == nil
}

// relay runs both directions concurrently. The modem-side socket
// cannot half-close, so either direction ending tears the whole
// session down: the shared context is cancelled and the client conn
// closed, which unblocks the other direction's pending read.
func (s *RelayService) relay(ctx context.Context, conn net.Conn, sk *modem.Socket) {
	rctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		<-rctx.Done()
		conn.Close()
	}()

	var wg sync.WaitGroup
	wg.Add(2)

	// client -> modem
	go func() {
		defer wg.Done()
		defer cancel()
		buf := make([]byte, clientBufSize)
		for {
			n, err := conn.Read(buf)
			if n > 0 {
				if serr := s.modem.Send(rctx, sk, buf[:n]); serr != nil {
					if rctx.Err() == nil {
						s.log.Warn("send failed", "id", sk.ID(), "error", serr)
					}
					return
				}
				s.log.Debug("client to modem", "id", sk.ID(), "bytes", n)
			}
			if err != nil {
				return
			}
		}
	}()

	// modem -> client
	go func() {
		defer wg.Done()
		defer cancel()
		for {
			payload, err := s.modem.Receive(rctx, sk, receivePoll)
			if err != nil {
				if !errors.Is(err, domain.ErrSocketClosed) && rctx.Err() == nil {
					s.log.Warn("receive failed", "id", sk.ID(), "error", err)
				}
				return
			}
			if len(payload) == 0 {
				continue
			}
			if _, err := conn.Write(payload); err != nil {
				return
			}
			s.log.Debug("modem to client", "id", sk.ID(), "bytes", len(payload))
		}
	}()

	wg.Wait()

	closeCtx, done := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
	s.modem.Close(closeCtx, sk)
	done()
	s.log.Info("client done", "addr", conn.RemoteAddr().String(), "id", sk.ID())
}
