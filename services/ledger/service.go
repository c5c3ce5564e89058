package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"referral-ledger/pkg/db/option"
	"referral-ledger/pkg/db/pagination"
	"referral-ledger/pkg/errutil"
	"referral-ledger/pkg/repository"
	"referral-ledger/services/member"

	"github.com/bwmarrin/snowflake"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var (
	ErrInvalidEntry       = errutil.BadRequest("invalid ledger entry", nil)
	ErrInsufficientPoints = errutil.UnprocessableEntity("insufficient points", nil)
	ErrDuplicateReference = errutil.Conflict("reference_id already exists", nil)
	ErrBalanceConflict    = errutil.Conflict("balance changed concurrently", nil)
)

type Service struct {
	db   *gorm.DB
	node *snowflake.Node
	now  func() time.Time

	ledger repository.Repository[PointsTransaction]
	member repository.Repository[member.User]
}

type ServiceParams struct {
	fx.In
	DB   *gorm.DB
	Node *snowflake.Node
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:     p.DB,
		node:   p.Node,
		now:    func() time.Time { return time.Now().UTC() },
		ledger: repository.ProvideStore[PointsTransaction](p.DB),
		member: repository.ProvideStore[member.User](p.DB),
	}
}

func logFields(ctx context.Context) []zap.Field {
	sc := trace.SpanFromContext(ctx).SpanContext()
	return []zap.Field{
		zap.String("trace_id", sc.TraceID().String()),
		zap.String("span_id", sc.SpanID().String()),
	}
}

// Record appends e and moves the member balance in one transaction.
func (s *Service) Record(ctx context.Context, e Entry) (*PointsTransaction, error) {
	var out *PointsTransaction
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		out, err = s.RecordTx(ctx, tx, e)
		return err
	})
	return out, err
}

// RecordTx appends e inside tx. The member row is locked and the balance is moved
// with a conditional update so a concurrent writer aborts instead of losing an update.
// When e.LockIfProvisional is set and the member is an unverified provisional doctor,
// the entry is recorded as locked instead.
func (s *Service) RecordTx(ctx context.Context, tx *gorm.DB, e Entry) (*PointsTransaction, error) {
	if err := validateEntry(e); err != nil {
		return nil, err
	}
	logger := zap.L().With(logFields(ctx)...).With(zap.String("member_id", e.UserID), zap.String("reason", string(e.Reason)))

	if err := s.checkReference(ctx, tx, e.ReferenceID); err != nil {
		return nil, err
	}

	user, err := s.lockMember(ctx, tx, e.UserID)
	if err != nil {
		return nil, err
	}

	if e.LockIfProvisional && user.Locked() {
		if e.Delta < 0 {
			return nil, ErrInvalidEntry
		}
		return s.appendTx(ctx, tx, e, user.PointsBalance, true)
	}

	next := user.PointsBalance + e.Delta
	if next < 0 {
		logger.Warn("rejecting debit larger than balance", zap.Int64("balance", user.PointsBalance), zap.Int64("delta", e.Delta))
		return nil, ErrInsufficientPoints
	}

	res := tx.WithContext(ctx).Model(&member.User{}).
		Where("id = ? AND points_balance = ?", user.ID, user.PointsBalance).
		Updates(map[string]any{
			"points_balance": next,
			"updated_at":     s.now(),
		})
	if res.Error != nil {
		logger.Error("failed to update balance", zap.Error(res.Error))
		return nil, res.Error
	}
	if res.RowsAffected != 1 {
		logger.Error("balance update matched no row", zap.Int64("expected_balance", user.PointsBalance))
		return nil, ErrBalanceConflict
	}

	entry, err := s.appendTx(ctx, tx, e, next, false)
	if err != nil {
		return nil, err
	}
	logger.Info("points recorded", zap.Int64("delta", e.Delta), zap.Int64("balance_after", next))
	return entry, nil
}

// RecordLocked appends e as locked without touching the spendable balance.
func (s *Service) RecordLocked(ctx context.Context, e Entry) (*PointsTransaction, error) {
	var out *PointsTransaction
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		out, err = s.RecordLockedTx(ctx, tx, e)
		return err
	})
	return out, err
}

func (s *Service) RecordLockedTx(ctx context.Context, tx *gorm.DB, e Entry) (*PointsTransaction, error) {
	if err := validateEntry(e); err != nil {
		return nil, err
	}
	if e.Delta < 0 {
		return nil, ErrInvalidEntry
	}
	if err := s.checkReference(ctx, tx, e.ReferenceID); err != nil {
		return nil, err
	}

	user, err := s.lockMember(ctx, tx, e.UserID)
	if err != nil {
		return nil, err
	}
	return s.appendTx(ctx, tx, e, user.PointsBalance, true)
}

// Unlock releases every locked, not yet unlocked transaction of userID as a single
// admin_adjustment credit. Rows are stamped with unlocked_at in the same transaction,
// so a repeated call finds nothing and returns (nil, nil).
func (s *Service) Unlock(ctx context.Context, userID string) (*PointsTransaction, error) {
	var out *PointsTransaction
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		out, err = s.UnlockTx(ctx, tx, userID)
		return err
	})
	return out, err
}

func (s *Service) UnlockTx(ctx context.Context, tx *gorm.DB, userID string) (*PointsTransaction, error) {
	logger := zap.L().With(logFields(ctx)...).With(zap.String("member_id", userID))

	if _, err := s.lockMember(ctx, tx, userID); err != nil {
		return nil, err
	}

	rows, err := s.ledger.WithTrx(tx).Find(ctx, &PointsTransaction{UserID: userID, Locked: true},
		option.ApplyOperator(option.Condition{Field: "unlocked_at", Operator: option.IsNull}),
		option.WithLockingUpdate(),
	)
	if err != nil {
		logger.Error("failed to query locked transactions", zap.Error(err))
		return nil, err
	}
	if len(rows) == 0 {
		logger.Info("nothing to unlock")
		return nil, nil
	}

	var total int64
	ids := make([]string, 0, len(rows))
	for _, r := range rows {
		total += r.Delta
		ids = append(ids, r.ID)
	}

	res := tx.WithContext(ctx).Model(&PointsTransaction{}).
		Where("id IN ? AND unlocked_at IS NULL", ids).
		Update("unlocked_at", s.now())
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected != int64(len(ids)) {
		logger.Error("locked rows changed during unlock", zap.Int64("stamped", res.RowsAffected), zap.Int("expected", len(ids)))
		return nil, ErrBalanceConflict
	}

	if total == 0 {
		return nil, nil
	}

	entry, err := s.RecordTx(ctx, tx, Entry{
		UserID: userID,
		Delta:  total,
		Reason: ReasonAdminAdjustment,
		Metadata: map[string]any{
			"unlocked":       true,
			"unlocked_count": len(ids),
			"unlocked_ids":   ids,
		},
	})
	if err != nil {
		return nil, err
	}
	logger.Info("locked points released", zap.Int64("amount", total), zap.Int("transactions", len(ids)))
	return entry, nil
}

func validateEntry(e Entry) error {
	if e.UserID == "" || e.Delta == 0 || !e.Reason.Valid() {
		return ErrInvalidEntry
	}
	return nil
}

func (s *Service) checkReference(ctx context.Context, tx *gorm.DB, ref string) error {
	if ref == "" {
		return nil
	}
	exist, err := s.ledger.WithTrx(tx).FindOne(ctx, &PointsTransaction{ReferenceID: &ref})
	if err != nil {
		return err
	}
	if exist != nil {
		return ErrDuplicateReference
	}
	return nil
}

func (s *Service) lockMember(ctx context.Context, tx *gorm.DB, userID string) (*member.User, error) {
	user, err := s.member.WithTrx(tx).FindOne(ctx, &member.User{ID: userID}, option.WithLockingUpdate())
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, member.ErrNotFound
	}
	return user, nil
}

// lastEntry returns the head of userID's chain. Chain order is the per member
// seq, never the wall clock, so writers with skewed clocks still link correctly.
func (s *Service) lastEntry(ctx context.Context, tx *gorm.DB, userID string) (*PointsTransaction, error) {
	return s.ledger.WithTrx(tx).FindOne(ctx, &PointsTransaction{UserID: userID},
		option.WithSortBy(option.QuerySortBy{SortBy: "seq", OrderBy: "desc"}),
	)
}

func (s *Service) appendTx(ctx context.Context, tx *gorm.DB, e Entry, balanceAfter int64, locked bool) (*PointsTransaction, error) {
	last, err := s.lastEntry(ctx, tx, e.UserID)
	if err != nil {
		return nil, err
	}
	previousHash, seq := GenesisHash, int64(1)
	if last != nil {
		previousHash, seq = last.Hash, last.Seq+1
	}

	meta := make(map[string]any, len(e.Metadata)+1)
	for k, v := range e.Metadata {
		meta[k] = v
	}
	meta["locked"] = locked
	metaBytes, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}

	entry := &PointsTransaction{
		ID:           s.node.Generate().String(),
		UserID:       e.UserID,
		Seq:          seq,
		Delta:        e.Delta,
		Reason:       e.Reason,
		BalanceAfter: balanceAfter,
		Locked:       locked,
		Metadata:     datatypes.JSON(metaBytes),
		PreviousHash: previousHash,
		// databases keep microseconds; truncating keeps the hash stable after a read back
		CreatedAt: s.now().Truncate(time.Microsecond),
	}
	if e.OrderID != "" {
		orderID := e.OrderID
		entry.OrderID = &orderID
	}
	if e.ReferenceID != "" {
		ref := e.ReferenceID
		entry.ReferenceID = &ref
	}
	entry.Hash = entry.GenerateHash()

	if err := s.ledger.WithTrx(tx).Create(ctx, entry); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			if e.ReferenceID == "" {
				// only (user_id, seq) can collide; another writer moved the chain head
				return nil, ErrBalanceConflict
			}
			return nil, ErrDuplicateReference
		}
		zap.L().With(logFields(ctx)...).Error("failed to append points transaction", zap.String("member_id", e.UserID), zap.Error(err))
		return nil, err
	}
	return entry, nil
}

// IsDuplicate reports whether err means the credit was already recorded.
func IsDuplicate(err error) bool {
	return errors.Is(err, ErrDuplicateReference)
}

func (s *Service) Balance(ctx context.Context, userID string) (int64, error) {
	u, err := s.member.FindOne(ctx, &member.User{ID: userID})
	if err != nil {
		return 0, err
	}
	if u == nil {
		return 0, member.ErrNotFound
	}
	return u.PointsBalance, nil
}

// LockedTotal sums locked points that have not been released yet.
func (s *Service) LockedTotal(ctx context.Context, userID string) (int64, error) {
	var total int64
	err := s.db.WithContext(ctx).Model(&PointsTransaction{}).
		Select("COALESCE(SUM(delta), 0)").
		Where("user_id = ? AND locked = ? AND unlocked_at IS NULL", userID, true).
		Scan(&total).Error
	return total, err
}

// SumByReason totals every delta for userID with one of reasons, locked or not.
func (s *Service) SumByReason(ctx context.Context, userID string, reasons ...Reason) (int64, error) {
	var total int64
	err := s.db.WithContext(ctx).Model(&PointsTransaction{}).
		Select("COALESCE(SUM(delta), 0)").
		Where("user_id = ? AND reason IN ?", userID, reasons).
		Scan(&total).Error
	return total, err
}

func (s *Service) History(ctx context.Context, userID string, p pagination.Pagination) ([]*PointsTransaction, *pagination.PageInfo, error) {
	rows, err := s.ledger.Find(ctx, &PointsTransaction{UserID: userID}, option.ApplyPagination(p))
	if err != nil {
		zap.L().With(logFields(ctx)...).Error("failed to query history", zap.String("member_id", userID), zap.Error(err))
		return nil, nil, err
	}
	rows, info := pagination.Page(rows, p.Limit, func(t *PointsTransaction) pagination.Cursor {
		return pagination.Cursor{CreatedAt: t.CreatedAt.UTC().Format(time.RFC3339Nano), ID: t.ID}
	})
	return rows, info, nil
}

func (s *Service) Wallet(ctx context.Context, userID string, p pagination.Pagination) (*Wallet, error) {
	balance, err := s.Balance(ctx, userID)
	if err != nil {
		return nil, err
	}
	locked, err := s.LockedTotal(ctx, userID)
	if err != nil {
		return nil, err
	}
	history, info, err := s.History(ctx, userID, p)
	if err != nil {
		return nil, err
	}
	return &Wallet{UserID: userID, Balance: balance, Locked: locked, History: history, Page: info}, nil
}

// VerifyChain recomputes every hash of userID's transactions in seq order.
func (s *Service) VerifyChain(ctx context.Context, userID string) (bool, error) {
	entries, err := s.ledger.Find(ctx, &PointsTransaction{UserID: userID},
		option.WithSortBy(option.QuerySortBy{SortBy: "seq", OrderBy: "asc"}))
	if err != nil {
		return false, err
	}

	previousHash := GenesisHash
	for i, e := range entries {
		if e.Seq != int64(i+1) || e.PreviousHash != previousHash || e.GenerateHash() != e.Hash {
			zap.L().With(logFields(ctx)...).Warn("ledger chain broken", zap.String("member_id", userID), zap.String("entry_id", e.ID))
			return false, nil
		}
		previousHash = e.Hash
	}
	return true, nil
}

// VerifyBalance checks that unlocked deltas sum to the cached member balance.
func (s *Service) VerifyBalance(ctx context.Context, userID string) (bool, error) {
	balance, err := s.Balance(ctx, userID)
	if err != nil {
		return false, err
	}
	var total int64
	if err := s.db.WithContext(ctx).Model(&PointsTransaction{}).
		Select("COALESCE(SUM(delta), 0)").
		Where("user_id = ? AND locked = ?", userID, false).
		Scan(&total).Error; err != nil {
		return false, err
	}
	if total != balance {
		zap.L().With(logFields(ctx)...).Error("balance does not match ledger", zap.String("member_id", userID), zap.Int64("cached", balance), zap.Int64("ledger", total))
	}
	return total == balance, nil
}
