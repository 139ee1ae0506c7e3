package session

import (
	"context"
	"crypto/hmac"
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/emersion/go-sasl"

	"github.com/vsmtp/vsmtp-go/internal/mailctx"
)

// dangerousMechanisms requires an encrypted channel unless the config
// explicitly opts out (spec.md §4.4 "538" rule).
var dangerousMechanisms = map[string]bool{"PLAIN": true, "LOGIN": true}

func (s *Session) cmdAuth(ctx context.Context, arg string) error {
	if s.state != StateHelo {
		if s.countError(ctx) {
			return nil
		}
		return s.replyPlain(503, "Bad sequence of commands")
	}
	if len(s.Config.AuthMechanisms) == 0 {
		if s.countError(ctx) {
			return nil
		}
		return s.replyPlain(503, "Bad sequence of commands")
	}
	if s.mc.Connection.IsAuthenticated {
		if s.countError(ctx) {
			return nil
		}
		return s.replyPlain(503, "Already authenticated")
	}

	fields := strings.SplitN(arg, " ", 2)
	mech := strings.ToUpper(strings.TrimSpace(fields[0]))
	var initial string
	if len(fields) > 1 {
		initial = strings.TrimSpace(fields[1])
	}

	if !s.mechanismAllowed(mech) {
		if s.countError(ctx) {
			return nil
		}
		return s.replyPlain(504, "Unrecognized authentication type")
	}
	if dangerousMechanisms[mech] && !s.Conn.IsSecured() && !s.Config.AuthEnableDangerousMechanismsWithoutEncryption {
		if s.countError(ctx) {
			return nil
		}
		return s.replyPlain(538, "5.7.11 Encryption required for requested authentication mechanism")
	}

	var authID string
	srv, err := s.saslServer(ctx, mech, &authID)
	if err != nil {
		if s.countError(ctx) {
			return nil
		}
		return s.replyPlain(504, "Unrecognized authentication type")
	}

	success, err := s.runSaslExchange(srv, initial)
	if err != nil || !success {
		s.authFailed++
		if s.countError(ctx) {
			return nil
		}
		return s.replyPlain(535, "5.7.8 Authentication credentials invalid")
	}

	s.mc.Connection.IsAuthenticated = true
	s.mc.Connection.Credentials = &mailctx.ConnectionCredentials{AuthID: authID}
	return s.replyPlain(235, "2.7.0 Authentication succeeded")
}

func (s *Session) mechanismAllowed(mech string) bool {
	for _, m := range s.Config.AuthMechanisms {
		if strings.EqualFold(m, mech) {
			return true
		}
	}
	return false
}

// saslServer builds the go-sasl server side for mech, writing the
// authenticated identity into *authID once the authenticator callback
// accepts the credentials (go-sasl never hands the identity back itself).
func (s *Session) saslServer(ctx context.Context, mech string, authID *string) (sasl.Server, error) {
	switch mech {
	case "PLAIN":
		return sasl.NewPlainServer(func(identity, username, password string) error {
			ok, err := s.Policy.SASLValidate(ctx, username, password)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("session: invalid credentials for %q", username)
			}
			*authID = username
			return nil
		}), nil
	case "LOGIN":
		return newLoginServer(func(username, password string) error {
			ok, err := s.Policy.SASLValidate(ctx, username, password)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("session: invalid credentials for %q", username)
			}
			*authID = username
			return nil
		}), nil
	case "CRAM-MD5":
		return newCramMD5Server(func(username string, challenge, response []byte) error {
			if err := s.verifyCramMD5(ctx, username, challenge, response); err != nil {
				return err
			}
			*authID = username
			return nil
		}), nil
	default:
		return nil, fmt.Errorf("session: unsupported mechanism %q", mech)
	}
}

func (s *Session) verifyCramMD5(ctx context.Context, username string, challenge, response []byte) error {
	password, err := s.Policy.SASLCredentials(ctx, username)
	if err != nil {
		return err
	}
	mac := hmac.New(md5.New, []byte(password))
	mac.Write(challenge)
	want := hex.EncodeToString(mac.Sum(nil))
	if want != string(response) {
		return fmt.Errorf("session: CRAM-MD5 digest mismatch for %q", username)
	}
	return nil
}

// runSaslExchange drives the challenge/response loop over the wire,
// starting from the initial-response base64 blob ("" means none given,
// "=" means an explicit empty initial response per RFC 4954).
func (s *Session) runSaslExchange(srv sasl.Server, initial string) (bool, error) {
	var response []byte
	haveInitial := initial != ""
	if haveInitial {
		if initial == "=" {
			response = []byte{}
		} else {
			decoded, err := base64.StdEncoding.DecodeString(initial)
			if err != nil {
				return false, err
			}
			response = decoded
		}
	}

	first := true
	for {
		var challenge []byte
		var done bool
		var err error

		if first && !haveInitial {
			// No initial response: the mechanism must emit its first
			// challenge before we read anything from the client.
			challenge, done, err = srv.Next(nil)
		} else {
			challenge, done, err = srv.Next(response)
		}
		first = false
		if err != nil {
			return false, err
		}
		if done {
			return true, nil
		}

		if err := s.replyPlain(334, base64.StdEncoding.EncodeToString(challenge)); err != nil {
			return false, err
		}
		line, err := s.Conn.NextLine(s.Config.TimeoutPerState)
		if err != nil {
			return false, err
		}
		if line == "*" {
			return false, fmt.Errorf("session: authentication canceled by client")
		}
		decoded, err := base64.StdEncoding.DecodeString(line)
		if err != nil {
			return false, err
		}
		response = decoded
	}
}
