package dispatch

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"maildispatchd/internal/config"
	"maildispatchd/internal/mail"
	"maildispatchd/internal/mailer"
	"maildispatchd/internal/queue"
	"maildispatchd/internal/template"
)

// defaultListLimit applies when a listing request carries no usable limit.
// An explicit limit wins, and a non-positive one means everything.
const defaultListLimit = 500

// operations lists every request key the router understands, in the order
// they are probed when a request carries several candidates.
var operations = []string{
	"sendMail",
	"queueMail",
	"getQueueList",
	"getQueuedMail",
	"updateQueuedMail",
	"removeQueuedMail",
	"clearQueue",
	"getTemplateList",
	"getTemplate",
	"addTemplate",
	"updateTemplate",
	"removeTemplate",
	"clearTemplate",
	"processQueueFile",
}

// AuthContext carries the two independent trust decisions made per
// connection: the public credential check, and the internal handoff token.
// Internal grants processQueueFile and nothing else.
type AuthContext struct {
	Authenticated bool
	Internal      bool
}

// Notifier receives out-of-band alerts for mail dropped after exhausting its
// retries.
type Notifier interface {
	MailDiscarded(item string, failures int)
}

// Router maps a decoded request object to exactly one operation and returns
// the response envelope. It owns the feature gates and the fixed protocol
// messages; everything stateful lives behind the injected components.
type Router struct {
	cfg       config.Config
	queue     *queue.Store
	templates *template.Store
	sender    mailer.Sender
	policy    queue.RetryPolicy
	notifier  Notifier
	logger    *zap.SugaredLogger
}

func NewRouter(cfg config.Config, queueStore *queue.Store, templates *template.Store, sender mailer.Sender, notifier Notifier, logger *zap.SugaredLogger) *Router {
	return &Router{
		cfg:       cfg,
		queue:     queueStore,
		templates: templates,
		sender:    sender,
		policy:    queue.RetryPolicy{MaxRetry: cfg.MaxRetry},
		notifier:  notifier,
		logger:    logger,
	}
}

// Handle processes one request object. auth must already be resolved by the
// transport layer; the router only consumes it.
func (r *Router) Handle(req map[string]any, auth AuthContext) Response {
	if len(req) == 0 {
		r.logger.Warn("request with empty payload")
		return Error(nil, "payload cannot be empty")
	}
	if !auth.Authenticated && !auth.Internal {
		r.logger.Warn("unauthorized request")
		return Error(nil, "unauthorized request")
	}

	op := findOperation(req)
	if op == "" {
		r.logger.Warn("request with invalid operation")
		return Error(nil, "invalid request")
	}
	if op == "processQueueFile" {
		if !auth.Internal {
			r.logger.Warn("unauthorized request")
			return Error(nil, "unauthorized request")
		}
	} else if !auth.Authenticated {
		r.logger.Warn("unauthorized request")
		return Error(nil, "unauthorized request")
	}

	payload := req[op]

	switch op {
	case "sendMail":
		return r.sendMail(payload)
	case "queueMail":
		if !r.cfg.QueueEnabled {
			return queueNotEnabled()
		}
		return r.queueMail(payload)
	case "getQueueList":
		if !r.cfg.QueueEnabled {
			return queueNotEnabled()
		}
		return r.getQueueList(payload)
	case "getQueuedMail":
		if !r.cfg.QueueEnabled {
			return queueNotEnabled()
		}
		return r.getQueuedMail(payload)
	case "updateQueuedMail":
		if !r.cfg.QueueEnabled {
			return queueNotEnabled()
		}
		if r.cfg.QueueReadOnly {
			return queueIsReadOnly()
		}
		return r.updateQueuedMail(payload, req["content"])
	case "removeQueuedMail":
		if !r.cfg.QueueEnabled {
			return queueNotEnabled()
		}
		if r.cfg.QueueReadOnly {
			return queueIsReadOnly()
		}
		return r.removeQueuedMail(payload)
	case "clearQueue":
		if !r.cfg.QueueEnabled {
			return queueNotEnabled()
		}
		if r.cfg.QueueReadOnly {
			return queueIsReadOnly()
		}
		return r.clearQueue()
	case "getTemplateList":
		if !r.cfg.TemplateEnabled {
			return templateNotEnabled()
		}
		return r.getTemplateList(payload)
	case "getTemplate":
		if !r.cfg.TemplateEnabled {
			return templateNotEnabled()
		}
		return r.getTemplate(payload)
	case "addTemplate":
		if !r.cfg.TemplateEnabled {
			return templateNotEnabled()
		}
		if r.cfg.TemplateReadOnly {
			return templateIsReadOnly()
		}
		return r.addTemplate(payload, req["content"])
	case "updateTemplate":
		if !r.cfg.TemplateEnabled {
			return templateNotEnabled()
		}
		if r.cfg.TemplateReadOnly {
			return templateIsReadOnly()
		}
		return r.updateTemplate(payload, req["content"])
	case "removeTemplate":
		if !r.cfg.TemplateEnabled {
			return templateNotEnabled()
		}
		if r.cfg.TemplateReadOnly {
			return templateIsReadOnly()
		}
		return r.removeTemplate(payload)
	case "clearTemplate":
		if !r.cfg.TemplateEnabled {
			return templateNotEnabled()
		}
		if r.cfg.TemplateReadOnly {
			return templateIsReadOnly()
		}
		return r.clearTemplate()
	case "processQueueFile":
		if !r.cfg.QueueEnabled {
			return queueNotEnabled()
		}
		return r.processQueueFile(payload)
	}
	return Error(nil, "invalid request")
}

func findOperation(req map[string]any) string {
	for _, op := range operations {
		if _, ok := req[op]; ok {
			return op
		}
	}
	return ""
}

// deliver resolves the template, if any, and pushes the message through the
// transport. The template body is resolved here and only here: queued mail
// stores the template reference, not the rendered body.
func (r *Router) deliver(msg *mail.Message) Response {
	if msg.UseTemplate != "" {
		if !r.cfg.TemplateEnabled {
			r.logger.Infow("mail requested a template but template service is disabled")
			return templateNotEnabled()
		}
		body, err := r.templates.Render(msg.UseTemplate, msg.ReplaceContent)
		if err != nil {
			r.logger.Errorw("mail template not found", "template", msg.UseTemplate, "error", err)
		}
		msg.Body = body
	}

	if err := r.sender.Send(msg); err != nil {
		r.logger.Errorw("unable to send mail", "error", err)
		return Error(err.Error(), "failed to send mail")
	}
	r.logger.Info("mail sent successfully")
	return Success(nil, "mail sent successfully")
}

func (r *Router) sendMail(payload any) Response {
	msg, details, err := decodeMessage(payload)
	if err != nil {
		r.logger.Warnw("invalid mail payload", "error", err)
		return Error(details, "invalid payload")
	}
	if !msg.HasRecipients() {
		r.logger.Warn("mail payload without any recipient")
		return Error("to, ccList or bccList must have at least one recipient", "invalid payload")
	}

	// delivery mutates the body on the template path, the queued copy keeps
	// the template reference
	orig := *msg
	resp := r.deliver(msg)
	if resp.Status == StatusSuccess || resp.Message != "failed to send mail" {
		return resp
	}

	if r.cfg.QueueEnabled && r.policy.AllowsRequeue() {
		if name, err := r.queue.Enqueue(orig, true); err != nil {
			r.logger.Errorw("unable to add failed mail to queue", "error", err)
		} else {
			r.logger.Infow("failed mail added to queue", "item", name)
		}
	}
	return resp
}

func (r *Router) queueMail(payload any) Response {
	msg, details, err := decodeMessage(payload)
	if err != nil {
		r.logger.Warnw("invalid mail payload", "error", err)
		return Error(details, "invalid payload")
	}
	if !msg.HasRecipients() {
		r.logger.Warn("mail payload without any recipient")
		return Error("to, ccList or bccList must have at least one recipient", "invalid payload")
	}

	name, err := r.queue.Enqueue(*msg, false)
	if err != nil {
		r.logger.Errorw("unable to add mail to queue", "error", err)
		return Error(nil, "failed to add mail to queue")
	}
	r.logger.Infow("mail added to queue", "item", name)
	return Success(nil, "mail added to queue")
}

func (r *Router) getQueueList(payload any) Response {
	names, total, err := r.queue.List(intArg(payload, defaultListLimit))
	if err != nil {
		r.logger.Errorw("unable to read queue dir", "error", err)
		return Error(nil, "unable to get queue list")
	}
	if total == 0 {
		return Success([]string{}, "queue list is empty")
	}
	return Success(
		map[string]any{"items": names, "total": total},
		fmt.Sprintf("found %d mails in queue", total),
	)
}

func (r *Router) getQueuedMail(payload any) Response {
	name, ok := stringArg(payload)
	if !ok || !queue.ValidName(name) {
		r.logger.Warnw("invalid queue item name", "payload", payload)
		return Error("invalid file path string", "invalid payload")
	}
	msg, err := r.queue.Read(name)
	if err != nil {
		if !errors.Is(err, queue.ErrNotFound) {
			r.logger.Errorw("unable to read queued mail", "item", name, "error", err)
		}
		return Error(nil, "unable to get queued mail")
	}
	return Success(msg, name)
}

func (r *Router) updateQueuedMail(payload, content any) Response {
	name, ok := stringArg(payload)
	patch, isObj := content.(map[string]any)
	if !ok || !queue.ValidName(name) || !isObj || len(patch) == 0 {
		r.logger.Warnw("invalid queue update request", "payload", payload)
		return Error("invalid file path string or missing content", "invalid payload")
	}

	// shape-check the patch before touching the stored document
	if _, details, err := decodeMessage(patch); err != nil {
		r.logger.Warnw("invalid queue update content", "error", err)
		return Error(details, "invalid payload")
	}

	newName, updated, err := r.queue.Update(name, patch)
	if err != nil {
		if errors.Is(err, queue.ErrPartialUpdate) {
			r.logger.Errorw("queue item lost during update", "item", name, "error", err)
		} else if !errors.Is(err, queue.ErrNotFound) {
			r.logger.Errorw("unable to update queued mail", "item", name, "error", err)
		}
		return Error(nil, "unable to update queued mail")
	}
	r.logger.Infow("updated mail in queue", "item", name, "newItem", newName)
	return Success(updated, "updated queue mail "+newName)
}

func (r *Router) removeQueuedMail(payload any) Response {
	name, ok := stringArg(payload)
	if !ok || !queue.ValidName(name) {
		r.logger.Warnw("invalid queue item name", "payload", payload)
		return Error("invalid file path string", "invalid payload")
	}
	if err := r.queue.Remove(name); err != nil {
		if !errors.Is(err, queue.ErrNotFound) {
			r.logger.Errorw("unable to remove queued mail", "item", name, "error", err)
		}
		return Error(nil, "unable to remove queued mail")
	}
	r.logger.Infow("removed mail from queue", "item", name)
	return Success(nil, "queued mail removed")
}

func (r *Router) clearQueue() Response {
	removed, err := r.queue.Clear()
	if err != nil {
		r.logger.Errorw("unable to read queue dir", "error", err)
		return Error(nil, "unable to clear queue")
	}
	if removed == 0 {
		return Success([]string{}, "queue list is empty")
	}
	r.logger.Infow("cleared mail queue", "removed", removed)
	return Success(nil, fmt.Sprintf("removed %d mails in queue", removed))
}

func (r *Router) getTemplateList(payload any) Response {
	names, total, err := r.templates.List(intArg(payload, defaultListLimit))
	if err != nil {
		r.logger.Errorw("unable to read template dir", "error", err)
		return Error(nil, "unable to get template list")
	}
	if total == 0 {
		return Success([]string{}, "template list is empty")
	}
	return Success(
		map[string]any{"items": names, "total": total},
		fmt.Sprintf("found %d templates", total),
	)
}

func (r *Router) getTemplate(payload any) Response {
	name, ok := stringArg(payload)
	if !ok {
		r.logger.Warnw("invalid template name", "payload", payload)
		return Error("invalid file path string", "invalid payload")
	}
	content, err := r.templates.Read(name)
	if err != nil {
		if errors.Is(err, template.ErrInvalidName) {
			r.logger.Warnw("invalid template name", "template", name)
			return Error("invalid file path string", "invalid payload")
		}
		if !errors.Is(err, template.ErrNotFound) {
			r.logger.Errorw("unable to read template", "template", name, "error", err)
		}
		return Error(nil, "unable to get template")
	}
	return Success(content, "template found")
}

func (r *Router) addTemplate(payload, content any) Response {
	name, ok := stringArg(payload)
	body, hasBody := stringArg(content)
	if !ok || !hasBody {
		r.logger.Warnw("invalid template request", "payload", payload)
		return Error("invalid file path string or missing content", "invalid payload")
	}
	if err := r.templates.Add(name, body); err != nil {
		switch {
		case errors.Is(err, template.ErrInvalidName):
			r.logger.Warnw("invalid template name", "template", name)
			return Error("invalid file path string or missing content", "invalid payload")
		case errors.Is(err, template.ErrExists):
			return Error("file already exists", "unable to add template")
		default:
			r.logger.Errorw("unable to add template", "template", name, "error", err)
			return Error(nil, "unable to add template")
		}
	}
	r.logger.Infow("added template", "template", name)
	return Success(nil, "added template "+name)
}

func (r *Router) updateTemplate(payload, content any) Response {
	name, ok := stringArg(payload)
	body, hasBody := stringArg(content)
	if !ok || !hasBody {
		r.logger.Warnw("invalid template request", "payload", payload)
		return Error("invalid file path string or missing content", "invalid payload")
	}
	if err := r.templates.Update(name, body); err != nil {
		if errors.Is(err, template.ErrInvalidName) {
			r.logger.Warnw("invalid template name", "template", name)
			return Error("invalid file path string or missing content", "invalid payload")
		}
		if !errors.Is(err, template.ErrNotFound) {
			r.logger.Errorw("unable to update template", "template", name, "error", err)
		}
		return Error(nil, "unable to update template")
	}
	r.logger.Infow("updated template", "template", name)
	return Success(nil, "updated template "+name)
}

func (r *Router) removeTemplate(payload any) Response {
	name, ok := stringArg(payload)
	if !ok {
		r.logger.Warnw("invalid template name", "payload", payload)
		return Error("invalid file path string", "invalid payload")
	}
	if err := r.templates.Remove(name); err != nil {
		if errors.Is(err, template.ErrInvalidName) {
			r.logger.Warnw("invalid template name", "template", name)
			return Error("invalid file path string", "invalid payload")
		}
		if !errors.Is(err, template.ErrNotFound) {
			r.logger.Errorw("unable to remove template", "template", name, "error", err)
		}
		return Error(nil, "unable to remove template")
	}
	r.logger.Infow("removed template", "template", name)
	return Success(nil, "template removed")
}

func (r *Router) clearTemplate() Response {
	removed, err := r.templates.Clear()
	if err != nil {
		r.logger.Errorw("unable to read template dir", "error", err)
		return Error(nil, "unable to clear template")
	}
	if removed == 0 {
		return Success([]string{}, "no template found")
	}
	r.logger.Infow("cleared templates", "removed", removed)
	return Success(nil, fmt.Sprintf("removed %d templates", removed))
}

// processQueueFile delivers one claimed item. The payload is the plain queue
// identity; the transport layer already verified and decrypted the handoff
// token. Delivered items are deleted, failed ones are requeued or discarded
// per the retry policy.
func (r *Router) processQueueFile(payload any) Response {
	name, ok := stringArg(payload)
	if !ok || !queue.ValidName(name) {
		r.logger.Warnw("invalid queue item name", "payload", payload)
		return Error("invalid file path string", "invalid payload")
	}

	msg, err := r.queue.ReadClaimed(name)
	if err != nil {
		if errors.Is(err, queue.ErrNotFound) {
			r.logger.Warnw("queue mail not found", "item", name)
		} else {
			r.logger.Errorw("unable to read queue mail", "item", name, "error", err)
		}
		return Error(nil, "unable to find or read queue mail")
	}

	orig := *msg
	resp := r.deliver(msg)
	if resp.Status == StatusSuccess {
		if _, err := r.queue.Finalize(name, &orig, queue.Delivered); err != nil {
			r.logger.Errorw("unable to finalize delivered item", "item", name, "error", err)
		}
		r.logger.Infow("queue mail sent successfully", "item", name)
		return resp
	}
	if resp.Message != "failed to send mail" {
		// validation-level failure, the item stays in-flight for the stale
		// reclaim sweep
		return resp
	}

	requeued, err := r.queue.Finalize(name, &orig, queue.Failed)
	if err != nil {
		r.logger.Errorw("unable to finalize failed item", "item", name, "error", err)
		return resp
	}
	if requeued {
		resp.Message = "failed to send mail and added back to queue"
	} else {
		resp.Message = "failed to send mail and discarded"
		if r.notifier != nil {
			r.notifier.MailDiscarded(name, orig.FailToDelivered+1)
		}
	}
	return resp
}
