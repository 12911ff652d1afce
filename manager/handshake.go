package manager

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/zhubert/plural-acp/acp"
	"github.com/zhubert/plural-acp/jsonrpc"
)

// Session ids end up in file names and log lines.
var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]+$`)

// handshake performs initialize and session/new. The timeout covers both
// steps and nothing after them.
func handshake(ctx context.Context, conn *jsonrpc.Conn, cwd string, terminal bool, timeout time.Duration) (acp.NewSessionResult, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var init acp.InitializeResult
	if err := conn.Call(ctx, acp.MethodInitialize, acp.Initialize(terminal), &init); err != nil {
		return acp.NewSessionResult{}, &HandshakeError{Step: acp.MethodInitialize, Err: err}
	}
	if init.ProtocolVersion != acp.ProtocolVersion {
		return acp.NewSessionResult{}, &HandshakeError{
			Step: acp.MethodInitialize,
			Err:  fmt.Errorf("unsupported protocol version %d (want %d)", init.ProtocolVersion, acp.ProtocolVersion),
		}
	}

	var sess acp.NewSessionResult
	if err := conn.Call(ctx, acp.MethodSessionNew, acp.NewSession(cwd), &sess); err != nil {
		return acp.NewSessionResult{}, &HandshakeError{Step: acp.MethodSessionNew, Err: err}
	}
	if !sessionIDPattern.MatchString(sess.SessionID) {
		return acp.NewSessionResult{}, &HandshakeError{
			Step: acp.MethodSessionNew,
			Err:  fmt.Errorf("invalid session id %q", sess.SessionID),
		}
	}
	return sess, nil
}
