package api

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/nikicat/busvisor/internal/procutil"
)

type connContextKey struct{}

// connContext is used as http.Server.ConnContext so handlers can reach the
// underlying connection.
func connContext(ctx context.Context, c net.Conn) context.Context {
	return context.WithValue(ctx, connContextKey{}, c)
}

var errNoCredentials = errors.New("no peer credentials")

// peerCred returns the credentials of the process on the other end of the
// request's Unix socket.
func peerCred(ctx context.Context) (*unix.Ucred, error) {
	c, ok := ctx.Value(connContextKey{}).(net.Conn)
	if !ok || c == nil {
		return nil, errNoCredentials
	}
	uc, ok := c.(*net.UnixConn)
	if !ok {
		return nil, errNoCredentials
	}
	raw, err := uc.SyscallConn()
	if err != nil {
		return nil, err
	}

	var cred *unix.Ucred
	var credErr error
	if err := raw.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	}); err != nil {
		return nil, err
	}
	if credErr != nil {
		return nil, credErr
	}
	return cred, nil
}

// sameUser rejects requests from processes running as another user.
func sameUser(uid int, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cred, err := peerCred(r.Context())
		if err != nil {
			slog.Warn("rejecting API request without peer credentials", "error", err)
			writeError(w, "forbidden", http.StatusForbidden)
			return
		}
		if int(cred.Uid) != uid {
			slog.Warn("rejecting API request from another user",
				"uid", cred.Uid, "pid", cred.Pid, "process", procutil.ReadComm(cred.Pid))
			writeError(w, "forbidden", http.StatusForbidden)
			return
		}

		if slog.Default().Enabled(r.Context(), slog.LevelDebug) {
			chain := procutil.ReadProcessChain(cred.Pid, true)
			labels := make([]string, len(chain))
			for i, p := range chain {
				labels[i] = p.String()
			}
			slog.Debug("API request", "path", r.URL.Path, "chain", strings.Join(labels, " ← "))
		}
		next.ServeHTTP(w, r)
	})
}

func currentUID() int {
	return os.Getuid()
}
