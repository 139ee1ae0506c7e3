package session

import (
	"crypto/rand"
	"fmt"

	"github.com/emersion/go-sasl"
)

// go-sasl only ships client-side CRAM-MD5 and no LOGIN support at all; the
// server halves below are hand-rolled the way upstream mechanisms are
// shaped (see sasl.NewPlainServer), not pulled from some other dependency.

// LoginAuthenticator validates a username/password pair collected over the
// obsolete LOGIN mechanism.
type LoginAuthenticator func(username, password string) error

type loginState int

const (
	loginNotStarted loginState = iota
	loginWaitingUsername
	loginWaitingPassword
)

type loginServer struct {
	state              loginState
	username, password string
	authenticate       LoginAuthenticator
}

// newLoginServer implements the LOGIN mechanism server side, as described in
// draft-murchison-sasl-login-00. LOGIN is obsolete and only kept for legacy
// clients that cannot be updated to use PLAIN.
func newLoginServer(authenticator LoginAuthenticator) sasl.Server {
	return &loginServer{authenticate: authenticator}
}

func (a *loginServer) Next(response []byte) (challenge []byte, done bool, err error) {
	switch a.state {
	case loginNotStarted:
		if response == nil {
			challenge = []byte("Username:")
			break
		}
		a.state++
		fallthrough
	case loginWaitingUsername:
		a.username = string(response)
		challenge = []byte("Password:")
	case loginWaitingPassword:
		a.password = string(response)
		err = a.authenticate(a.username, a.password)
		done = true
	default:
		err = sasl.ErrUnexpectedClientResponse
	}
	a.state++
	return
}

// CramMD5Authenticator is handed the username, the challenge the server
// issued, and the client's hex-digest response, and decides whether the
// exchange succeeds.
type CramMD5Authenticator func(username string, challenge, response []byte) error

type cramMD5State int

const (
	cramMD5NotStarted cramMD5State = iota
	cramMD5WaitingResponse
)

type cramMD5Server struct {
	state        cramMD5State
	challenge    []byte
	authenticate CramMD5Authenticator
}

// newCramMD5Server implements the CRAM-MD5 mechanism server side (RFC 2195).
func newCramMD5Server(authenticator CramMD5Authenticator) sasl.Server {
	return &cramMD5Server{authenticate: authenticator}
}

func (a *cramMD5Server) Next(response []byte) (challenge []byte, done bool, err error) {
	switch a.state {
	case cramMD5NotStarted:
		a.challenge, err = newCramMD5Challenge()
		if err != nil {
			return nil, true, err
		}
		challenge = a.challenge
	case cramMD5WaitingResponse:
		username, digest, splitErr := splitCramMD5Response(response)
		if splitErr != nil {
			return nil, true, splitErr
		}
		err = a.authenticate(username, a.challenge, digest)
		done = true
	default:
		err = sasl.ErrUnexpectedClientResponse
	}
	a.state++
	return
}

func splitCramMD5Response(response []byte) (username string, digest []byte, err error) {
	idx := -1
	for i := len(response) - 1; i >= 0; i-- {
		if response[i] == ' ' {
			idx = i
			break
		}
	}
	if idx < 0 {
		return "", nil, fmt.Errorf("session: malformed CRAM-MD5 response")
	}
	return string(response[:idx]), response[idx+1:], nil
}

func newCramMD5Challenge() ([]byte, error) {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return nil, err
	}
	return []byte(fmt.Sprintf("<%x@vsmtp>", buf[:])), nil
}
