package server

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/rust-Ghost/ShakGPT/internal/protocol"
	"github.com/rust-Ghost/ShakGPT/internal/store"
	"github.com/rust-Ghost/ShakGPT/internal/transport"
	"github.com/sirupsen/logrus"
)

type state int

const (
	stateUnauthenticated state = iota
	stateMenu
	stateLoggedOut
)

func (s state) String() string {
	switch s {
	case stateUnauthenticated:
		return "unauthenticated"
	case stateMenu:
		return "menu"
	case stateLoggedOut:
		return "logged_out"
	}
	return "unknown"
}

var errTooManyAttempts = errors.New("too many failed login attempts")

// handler is the state machine for one connection. It holds the session
// token only; the registry owns the session itself.
type handler struct {
	srv      *Server
	ch       transport.Channel
	state    state
	token    string
	owner    string
	failures int
	log      *logrus.Entry
}

func newHandler(srv *Server, ch transport.Channel) *handler {
	return &handler{
		srv: srv,
		ch:  ch,
		log: logrus.WithFields(logrus.Fields{"remote": ch.RemoteAddr()}),
	}
}

// run drives the state machine. It returns nil after logout and the
// transport error otherwise.
func (h *handler) run() error {
	for h.state != stateLoggedOut {
		var err error
		switch h.state {
		case stateUnauthenticated:
			err = h.authenticate()
		case stateMenu:
			err = h.menu()
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// release revokes the connection's session, if any.
func (h *handler) release() {
	if h.token != "" {
		h.srv.registry.Revoke(h.token)
		h.token = ""
	}
}

func (h *handler) respond(r protocol.Response) error {
	if r.Status == "" {
		r.Status = protocol.StatusOK
	}
	b, err := protocol.MarshalResponse(r)
	if err != nil {
		return err
	}
	return h.ch.Send(b)
}

func (h *handler) fail(op string, err error) error {
	h.log.WithFields(logrus.Fields{
		"op":    op,
		"owner": h.owner,
		"error": err,
	}).Warn("Operation failed")
	return h.respond(protocol.ErrorResponse(err))
}

func (h *handler) receiveText() (string, error) {
	b, err := h.ch.Receive()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}

// ─── Unauthenticated ─────────────────────────────────────────────────────────

func (h *handler) authenticate() error {
	b, err := h.ch.Receive()
	if err != nil {
		return err
	}
	req, err := protocol.UnmarshalRequest(b)
	if err != nil {
		return h.respond(protocol.Response{
			Status:  protocol.StatusError,
			Code:    protocol.CodeBadRequest,
			Message: "invalid message format",
		})
	}

	switch req.Command {
	case protocol.CmdLogin:
		return h.login(req)
	case protocol.CmdRegister:
		return h.register(req)
	}
	return h.respond(protocol.Response{
		Status:  protocol.StatusError,
		Code:    protocol.CodeBadRequest,
		Message: fmt.Sprintf("unknown command %q; login required", req.Command),
	})
}

func (h *handler) login(req protocol.Request) error {
	owner, ok, err := h.srv.cfg.Auth.Verify(req.Username, req.Password)
	if err != nil {
		return h.fail("login", fmt.Errorf("%w: %v", protocol.ErrStore, err))
	}
	if !ok {
		h.failures++
		h.log.WithFields(logrus.Fields{
			"username": req.Username,
			"failures": h.failures,
		}).Warn("Login rejected")
		if err := h.respond(protocol.ErrorResponse(protocol.ErrCredential)); err != nil {
			return err
		}
		if max := h.srv.cfg.MaxLoginAttempts; max > 0 && h.failures >= max {
			return errTooManyAttempts
		}
		return nil
	}

	sess, err := h.srv.registry.Create(owner)
	if err != nil {
		return h.fail("login", err)
	}
	h.token = sess.Token
	h.owner = owner
	h.failures = 0
	h.state = stateMenu
	h.log = h.log.WithFields(logrus.Fields{"owner": owner})
	h.log.Info("Login successful")

	return h.respond(protocol.Response{
		Message:      "Login successful",
		SessionToken: sess.Token,
	})
}

func (h *handler) register(req protocol.Request) error {
	reg, ok := h.srv.cfg.Auth.(Registrar)
	if !ok {
		return h.respond(protocol.Response{
			Status:  protocol.StatusError,
			Code:    protocol.CodeBadRequest,
			Message: "registration is disabled",
		})
	}
	u, err := reg.CreateUser(req.Username, req.Password)
	switch {
	case errors.Is(err, store.ErrUserExists), errors.Is(err, store.ErrInvalid):
		return h.respond(protocol.Response{
			Status:  protocol.StatusError,
			Code:    protocol.CodeBadRequest,
			Message: err.Error(),
		})
	case err != nil:
		return h.fail("register", fmt.Errorf("%w: %v", protocol.ErrStore, err))
	}
	h.log.WithFields(logrus.Fields{"username": u.Username}).Info("User registered")
	return h.respond(protocol.Response{Message: "Registered successfully"})
}

// ─── Menu ────────────────────────────────────────────────────────────────────

func (h *handler) menu() error {
	if _, ok := h.srv.registry.Lookup(h.token); !ok {
		h.log.Info("Session expired")
		h.token = ""
		h.owner = ""
		h.state = stateUnauthenticated
		return h.respond(protocol.ErrorResponse(protocol.ErrSessionExpired))
	}

	if err := h.respond(protocol.Response{Message: protocol.Menu}); err != nil {
		return err
	}
	choice, err := h.receiveText()
	if err != nil {
		return err
	}

	switch choice {
	case protocol.OptHide:
		return h.hide()
	case protocol.OptDecode:
		return h.decode()
	case protocol.OptAsk:
		return h.ask()
	case protocol.OptStats:
		return h.stats()
	case protocol.OptLogout:
		return h.logout()
	}
	return h.fail("menu", fmt.Errorf("%w: %q", protocol.ErrInvalidOption, choice))
}

// hide runs the embed sub-protocol:
//
//	S: carrier list   C: carrier id   S: ok
//	C: size           S: ready        C: payload
//	S: artifact ref + size            S: artifact bytes
func (h *handler) hide() error {
	carriers, err := h.srv.cfg.Store.Carriers()
	if err != nil {
		return h.fail("hide", fmt.Errorf("%w: %v", protocol.ErrStore, err))
	}
	if len(carriers) == 0 {
		return h.fail("hide", fmt.Errorf("%w: no media options available", protocol.ErrCarrierNotFound))
	}
	if err := h.respond(protocol.Response{Message: carrierMenu(carriers), Count: len(carriers)}); err != nil {
		return err
	}

	sel, err := h.receiveText()
	if err != nil {
		return err
	}
	if sel == protocol.Cancel {
		return h.respond(protocol.Response{Message: "cancelled"})
	}
	id, err := strconv.ParseInt(sel, 10, 64)
	if err != nil {
		return h.fail("hide", fmt.Errorf("%w: carrier %q", protocol.ErrInvalidOption, sel))
	}
	src, err := h.srv.embedder.Resolve(id)
	if err != nil {
		return h.fail("hide", err)
	}
	if err := h.respond(protocol.Response{Message: "send payload size"}); err != nil {
		return err
	}

	payload, err := h.receiveUpload("hide")
	if err != nil || payload == nil {
		return err
	}

	art, err := h.srv.embedder.EmbedInto(h.owner, src, payload)
	if err != nil {
		return h.fail("hide", err)
	}
	if err := h.respond(protocol.Response{
		Message:  "Data successfully hidden in " + art.Ref,
		Artifact: art.Ref,
		Size:     int64(len(art.Data)),
	}); err != nil {
		return err
	}
	return h.ch.SendRaw(art.Data)
}

// decode runs the extract sub-protocol:
//
//	C: size   S: ready   C: artifact bytes   S: count
//	for each blob: S: size   C: ACK   S: blob bytes
//
// Anything other than ACK aborts the remaining blobs.
func (h *handler) decode() error {
	data, err := h.receiveUpload("decode")
	if err != nil || data == nil {
		return err
	}

	found, err := h.srv.extractor.Extract(h.owner, data)
	if err != nil {
		return h.fail("decode", err)
	}
	if err := h.respond(protocol.Response{Count: len(found)}); err != nil {
		return err
	}

	for i, f := range found {
		if err := h.respond(protocol.Response{Size: int64(len(f.Data)), Artifact: f.Ref}); err != nil {
			return err
		}
		ack, err := h.receiveText()
		if err != nil {
			return err
		}
		if ack != protocol.Ack {
			h.log.WithFields(logrus.Fields{
				"blob":  i + 1,
				"count": len(found),
				"got":   ack,
			}).Warn("Client desync during blob transfer; aborting")
			return nil
		}
		if err := h.ch.SendRaw(f.Data); err != nil {
			return err
		}
	}
	return nil
}

// receiveUpload reads a declared size, acknowledges it and collects the
// bytes. A rejected size is reported to the client and yields nil, nil.
func (h *handler) receiveUpload(op string) ([]byte, error) {
	raw, err := h.receiveText()
	if err != nil {
		return nil, err
	}
	n, err := protocol.ParseSize([]byte(raw), h.srv.cfg.MaxUpload)
	if err != nil {
		return nil, h.fail(op, fmt.Errorf("%w: %v", protocol.ErrInvalidOption, err))
	}
	if err := h.respond(protocol.Response{Message: "ready", Size: int64(n)}); err != nil {
		return nil, err
	}
	data, err := h.ch.ReceiveRaw(n)
	if err != nil {
		return nil, err
	}
	if data == nil {
		data = []byte{}
	}
	return data, nil
}

func (h *handler) ask() error {
	if err := h.respond(protocol.Response{Message: "prompt"}); err != nil {
		return err
	}
	prompt, err := h.receiveText()
	if err != nil {
		return err
	}
	answer, err := h.srv.cfg.Assistant.Ask(h.srv.ctx, h.owner, prompt)
	if err != nil {
		return h.fail("ask", err)
	}
	return h.respond(protocol.Response{Message: answer})
}

func (h *handler) stats() error {
	n, err := h.srv.cfg.Store.CountRecords(h.owner)
	if err != nil {
		return h.fail("stats", fmt.Errorf("%w: %v", protocol.ErrStore, err))
	}
	return h.respond(protocol.Response{
		Count: n,
		Message: fmt.Sprintf("hidden payload records: %d, active sessions: %d",
			n, h.srv.registry.OwnerSessions(h.owner)),
	})
}

func (h *handler) logout() error {
	h.release()
	h.state = stateLoggedOut
	h.log.Info("Logged out")
	return h.respond(protocol.Response{Message: "Goodbye"})
}

func carrierMenu(carriers []store.Carrier) string {
	var sb strings.Builder
	for i, c := range carriers {
		if i > 0 {
			sb.WriteByte('\n')
		}
		kind, path, err := c.Media()
		if err != nil {
			fmt.Fprintf(&sb, "%d: (invalid)", c.ID)
			continue
		}
		fmt.Fprintf(&sb, "%d: %s %s", c.ID, kind, path)
	}
	return sb.String()
}
