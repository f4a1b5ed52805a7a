package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/emersion/go-message/mail"

	"github.io/infrasutra/mailbridge/internal/auth"
	"github.io/infrasutra/mailbridge/internal/mailbox"
	"github.io/infrasutra/mailbridge/internal/pagination"
	"github.io/infrasutra/mailbridge/internal/remote"
)

// maxBodyBytes bounds request bodies; attachments arrive base64 encoded.
const maxBodyBytes = 32 << 20

func (s *Server) decode(w http.ResponseWriter, r *http.Request, op string, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.badRequest(w, r, op, "invalid JSON: %v", err)
		return false
	}
	return true
}

func (s *Server) handleConfigure(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}
	var cfg mailbox.Config
	if !s.decode(w, r, "configure mailbox", &cfg) {
		return
	}
	out, err := s.svc.Configure(cfg)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}
	token := auth.TokenFromRequest(r)
	if token == "" && r.ContentLength != 0 {
		var payload struct {
			Token string `json:"token"`
		}
		if !s.decode(w, r, "validate mailbox", &payload) {
			return
		}
		token = strings.TrimSpace(payload.Token)
	}
	id, err := s.svc.Validate(r.Context(), token)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"status": "ok", "mailbox": id})
}

func (s *Server) handleFolders(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	folders, err := s.svc.ListFolders(r.Context(), auth.TokenFromRequest(r))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"folders": folders})
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	q := r.URL.Query()
	page, err := s.svc.ListMessages(r.Context(), auth.TokenFromRequest(r), q.Get("folder"), pagination.FromQuery(q))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, page)
}

// handleMessage serves /mailbox/messages/{uid}, its attachments and its
// actions.
func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	const op = "message"
	rest := strings.TrimPrefix(r.URL.Path, apiPrefix+"/mailbox/messages/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		http.NotFound(w, r)
		return
	}
	uid, err := parseUID(parts[0])
	if err != nil {
		s.badRequest(w, r, op, "invalid message uid %q", parts[0])
		return
	}
	token := auth.TokenFromRequest(r)
	folder := r.URL.Query().Get("folder")

	switch {
	case len(parts) == 1:
		switch r.Method {
		case http.MethodGet:
			msg, err := s.svc.GetMessage(r.Context(), token, folder, uid)
			if err != nil {
				s.respondError(w, r, err)
				return
			}
			s.respondJSON(w, http.StatusOK, msg)
		case http.MethodDelete:
			permanent, err := s.svc.Delete(r.Context(), token, folder, uid)
			if err != nil {
				s.respondError(w, r, err)
				return
			}
			s.respondJSON(w, http.StatusOK, map[string]any{"status": "ok", "permanent": permanent})
		default:
			s.methodNotAllowed(w, http.MethodGet, http.MethodDelete)
		}
	case len(parts) == 3 && parts[1] == "attachments":
		if r.Method != http.MethodGet {
			s.methodNotAllowed(w, http.MethodGet)
			return
		}
		index, err := strconv.Atoi(parts[2])
		if err != nil {
			s.badRequest(w, r, op, "invalid attachment index %q", parts[2])
			return
		}
		s.serveAttachment(w, r, token, folder, uid, index)
	case len(parts) == 2:
		if r.Method != http.MethodPost {
			s.methodNotAllowed(w, http.MethodPost)
			return
		}
		s.messageAction(w, r, token, folder, uid, parts[1])
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) serveAttachment(w http.ResponseWriter, r *http.Request, token, folder string, uid mailbox.UID, index int) {
	att, err := s.svc.GetAttachment(r.Context(), token, folder, uid, index)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	contentType := att.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", att.Filename))
	w.Header().Set("Content-Length", strconv.Itoa(len(att.Data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(att.Data)
}

func (s *Server) messageAction(w http.ResponseWriter, r *http.Request, token, folder string, uid mailbox.UID, action string) {
	ctx := r.Context()
	var err error
	switch action {
	case "read":
		err = s.svc.MarkRead(ctx, token, folder, uid)
	case "unread":
		err = s.svc.MarkUnread(ctx, token, folder, uid)
	case "star":
		err = s.svc.Star(ctx, token, folder, uid)
	case "unstar":
		err = s.svc.Unstar(ctx, token, folder, uid)
	case "archive":
		err = s.svc.Archive(ctx, token, folder, uid)
	case "move":
		dest := r.URL.Query().Get("to")
		if dest == "" && r.ContentLength != 0 {
			var payload struct {
				To string `json:"to"`
			}
			if !s.decode(w, r, "move messages", &payload) {
				return
			}
			dest = payload.To
		}
		err = s.svc.Move(ctx, token, folder, dest, uid)
	default:
		http.NotFound(w, r)
		return
	}
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleEmptyTrash(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}
	n, err := s.svc.EmptyTrash(r.Context(), auth.TokenFromRequest(r))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"status": "ok", "removed": n})
}

func (s *Server) handleUnread(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	out, err := s.svc.UnreadCount(r.Context(), auth.TokenFromRequest(r), r.URL.Query().Get("folder"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	q := r.URL.Query()
	unread, _ := strconv.ParseBool(q.Get("unread"))
	query := remote.Query{
		Text:       strings.TrimSpace(q.Get("q")),
		From:       strings.TrimSpace(q.Get("from")),
		Subject:    strings.TrimSpace(q.Get("subject")),
		UnreadOnly: unread,
	}
	found, err := s.svc.Search(r.Context(), auth.TokenFromRequest(r), q.Get("folder"), query)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"messages": found})
}

type attachmentRequest struct {
	Filename    string `json:"filename"`
	ContentType string `json:"contentType"`
	// Content is base64 encoded.
	Content string `json:"content"`
}

type composeRequest struct {
	To          []string            `json:"to"`
	Cc          []string            `json:"cc"`
	Bcc         []string            `json:"bcc"`
	ReplyTo     []string            `json:"replyTo"`
	Subject     string              `json:"subject"`
	Text        string              `json:"text"`
	HTML        string              `json:"html"`
	SenderName  string              `json:"senderName"`
	InReplyTo   string              `json:"inReplyTo"`
	ReadReceipt bool                `json:"readReceipt"`
	Attachments []attachmentRequest `json:"attachments"`
}

func (req composeRequest) outgoing() (remote.Outgoing, error) {
	out := remote.Outgoing{
		Subject:     req.Subject,
		Text:        req.Text,
		HTML:        req.HTML,
		InReplyTo:   req.InReplyTo,
		ReadReceipt: req.ReadReceipt,
	}
	var err error
	if out.To, err = parseAddresses("to", req.To); err != nil {
		return out, err
	}
	if out.Cc, err = parseAddresses("cc", req.Cc); err != nil {
		return out, err
	}
	if out.Bcc, err = parseAddresses("bcc", req.Bcc); err != nil {
		return out, err
	}
	if out.ReplyTo, err = parseAddresses("replyTo", req.ReplyTo); err != nil {
		return out, err
	}
	for i, a := range req.Attachments {
		data, err := base64.StdEncoding.DecodeString(a.Content)
		if err != nil {
			return out, fmt.Errorf("attachment %d: content is not base64", i)
		}
		if strings.TrimSpace(a.Filename) == "" {
			return out, fmt.Errorf("attachment %d: filename required", i)
		}
		out.Attachments = append(out.Attachments, mailbox.Attachment{
			Index:       i,
			Filename:    a.Filename,
			ContentType: a.ContentType,
			Size:        int64(len(data)),
			Data:        data,
		})
	}
	return out, nil
}

func parseAddresses(field string, raw []string) ([]mailbox.Address, error) {
	var out []mailbox.Address
	for _, value := range raw {
		if strings.TrimSpace(value) == "" {
			continue
		}
		addr, err := mail.ParseAddress(value)
		if err != nil {
			return nil, fmt.Errorf("%s: invalid address %q", field, value)
		}
		out = append(out, mailbox.Address{Name: addr.Name, Address: addr.Address})
	}
	return out, nil
}

// readCompose decodes a compose request and fills the sender display name.
func (s *Server) readCompose(w http.ResponseWriter, r *http.Request, op string) (remote.Outgoing, bool) {
	var req composeRequest
	if !s.decode(w, r, op, &req) {
		return remote.Outgoing{}, false
	}
	out, err := req.outgoing()
	if err != nil {
		s.badRequest(w, r, op, "%v", err)
		return remote.Outgoing{}, false
	}
	if name := strings.TrimSpace(req.SenderName); name != "" {
		out.From.Name = name
	}
	return out, true
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}
	msg, ok := s.readCompose(w, r, "send message")
	if !ok {
		return
	}
	sent, err := s.svc.Send(r.Context(), auth.TokenFromRequest(r), msg)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, sent)
}

func (s *Server) handleDraft(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}
	msg, ok := s.readCompose(w, r, "save draft")
	if !ok {
		return
	}
	folder, err := s.svc.SaveDraft(r.Context(), auth.TokenFromRequest(r), msg)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, map[string]string{"status": "ok", "folder": folder})
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}
	res, err := s.svc.Check(r.Context(), auth.TokenFromRequest(r))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, res)
}

var errBadUID = errors.New("uid must be a positive 32-bit integer")

func parseUID(raw string) (mailbox.UID, error) {
	n, err := strconv.ParseUint(raw, 10, 32)
	if err != nil || n == 0 {
		return 0, errBadUID
	}
	return mailbox.UID(n), nil
}
