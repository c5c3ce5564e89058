package storefront

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"referral-ledger/pkg/featureflags"
	"referral-ledger/pkg/task"
	"referral-ledger/pkg/taskname"
	"referral-ledger/services/attribution"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type OrderNotePayload struct {
	OrderID string `json:"order_id"`
	Note    string `json:"note"`
}

func NewOrderNoteTask(p OrderNotePayload) (*asynq.Task, error) {
	payload, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(taskname.StorefrontOrderNote, payload,
		asynq.Queue(task.QueueLow),
		asynq.TaskID("order-note:"+p.OrderID),
		asynq.MaxRetry(5),
		asynq.Timeout(30*time.Second),
	), nil
}

// Note renders the attribution summary written back onto the storefront order.
func Note(out *attribution.Outcome) string {
	row := out.Attribution
	var b strings.Builder
	fmt.Fprintf(&b, "Referral attribution %s", row.ID)
	if !row.PostJoin && row.Level1DoctorID != nil {
		b.WriteString(" (ordered before referral join, no commission)")
	}
	for _, c := range out.Credits {
		if c.Level == 0 {
			fmt.Fprintf(&b, "; buyer %s +%d pts", c.UserID, c.Points)
			continue
		}
		fmt.Fprintf(&b, "; L%d %s +%d pts", c.Level, c.UserID, c.Points)
		if c.Locked {
			b.WriteString(" (locked)")
		}
	}
	return b.String()
}

// Notifier schedules order notes after the paid transition has committed.
type Notifier struct {
	enqueuer task.Enqueuer
	flags    featureflags.FeatureFlag
}

type NotifierParams struct {
	fx.In
	Enqueuer task.Enqueuer `optional:"true"`
	Flags    featureflags.FeatureFlag
}

func NewNotifier(p NotifierParams) *Notifier {
	return &Notifier{enqueuer: p.Enqueuer, flags: p.Flags}
}

// OrderPaid enqueues the note for a freshly credited order. Failures are logged
// and never returned.
func (n *Notifier) OrderPaid(ctx context.Context, out *attribution.Outcome) {
	if n.enqueuer == nil || out == nil || out.Duplicate || out.Attribution == nil {
		return
	}
	orderID := out.Attribution.ExternalOrderID
	logger := zap.L().With(zap.String("external_order_id", orderID))

	if !n.flags.Enabled(ctx, featureflags.StorefrontNote, "", true) {
		return
	}

	t, err := NewOrderNoteTask(OrderNotePayload{OrderID: orderID, Note: Note(out)})
	if err != nil {
		logger.Error("failed to build order note task", zap.Error(err))
		return
	}
	if _, err := n.enqueuer.Enqueue(ctx, t); err != nil {
		if task.IsDuplicate(err) {
			return
		}
		logger.Error("failed to enqueue order note", zap.Error(err))
		return
	}
	logger.Debug("order note enqueued")
}

type NoteWriter interface {
	AddOrderNote(ctx context.Context, orderID, note string) error
}

type NoteHandler struct {
	client NoteWriter
}

func NewNoteHandler(c *Client) *NoteHandler {
	return &NoteHandler{client: c}
}

func (h *NoteHandler) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(taskname.StorefrontOrderNote, h.HandleOrderNote)
}

func (h *NoteHandler) HandleOrderNote(ctx context.Context, t *asynq.Task) error {
	var p OrderNotePayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("invalid payload: %w: %w", err, asynq.SkipRetry)
	}

	logger := zap.L().With(zap.String("task_type", t.Type()), zap.String("external_order_id", p.OrderID))
	if err := h.client.AddOrderNote(ctx, p.OrderID, p.Note); err != nil {
		logger.Warn("failed to write order note", zap.Error(err))
		return err
	}
	logger.Info("order note written")
	return nil
}
