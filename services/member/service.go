package member

import (
	"context"
	"errors"

	"referral-ledger/pkg/contact"
	"referral-ledger/pkg/db/option"
	"referral-ledger/pkg/errutil"
	"referral-ledger/pkg/repository"
	"referral-ledger/pkg/sequence"
	"referral-ledger/pkg/validation"

	"github.com/bwmarrin/snowflake"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	ErrNotFound        = errutil.NotFound("member not found", nil)
	ErrContactRequired = errutil.BadRequest("email or phone is required", nil)
	ErrContactTaken    = errutil.Conflict("email or phone already registered", nil)
)

type Service struct {
	db   *gorm.DB
	node *snowflake.Node
	seq  sequence.Generator

	user repository.Repository[User]
}

type ServiceParams struct {
	fx.In
	DB       *gorm.DB
	Node     *snowflake.Node
	Sequence sequence.Generator
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:   p.DB,
		node: p.Node,
		seq:  p.Sequence,
		user: repository.ProvideStore[User](p.DB),
	}
}

func logFields(ctx context.Context) []zap.Field {
	sc := trace.SpanFromContext(ctx).SpanContext()
	return []zap.Field{
		zap.String("trace_id", sc.TraceID().String()),
		zap.String("span_id", sc.SpanID().String()),
	}
}

func (s *Service) GetByID(ctx context.Context, id string) (*User, error) {
	return s.GetByIDTx(ctx, nil, id)
}

// GetByIDTx reads the member through tx when it is not nil.
func (s *Service) GetByIDTx(ctx context.Context, tx *gorm.DB, id string) (*User, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	u, err := s.user.WithTrx(tx).FindOne(ctx, &User{ID: id})
	if err != nil {
		zap.L().With(logFields(ctx)...).Error("failed to query member", zap.String("member_id", id), zap.Error(err))
		return nil, err
	}
	if u == nil {
		return nil, ErrNotFound
	}
	return u, nil
}

// LockTx reads the member row with SELECT ... FOR UPDATE inside tx.
func (s *Service) LockTx(ctx context.Context, tx *gorm.DB, id string) (*User, error) {
	u, err := s.user.WithTrx(tx).FindOne(ctx, &User{ID: id}, option.WithLockingUpdate())
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, ErrNotFound
	}
	return u, nil
}

// FindByContact matches on email first, then phone. Returns nil when neither matches.
func (s *Service) FindByContact(ctx context.Context, id contact.Identity) (*User, error) {
	if id.Email != "" {
		u, err := s.user.FindOne(ctx, nil, option.ApplyOperator(option.Condition{Field: "email", Operator: option.EQ, Value: id.Email}))
		if err != nil || u != nil {
			return u, err
		}
	}
	if id.Phone != "" {
		return s.user.FindOne(ctx, nil, option.ApplyOperator(option.Condition{Field: "phone", Operator: option.EQ, Value: id.Phone}))
	}
	return nil, nil
}

func (s *Service) FindByReferralCode(ctx context.Context, code string) (*User, error) {
	if code == "" {
		return nil, ErrNotFound
	}
	u, err := s.user.FindOne(ctx, &User{ReferralCode: code})
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, ErrNotFound
	}
	return u, nil
}

type CreateParams struct {
	Name        string `json:"name" validate:"required,max=120"`
	Email       string `json:"email" validate:"required_without=Phone"`
	Phone       string `json:"phone" validate:"required_without=Email"`
	Provisional bool   `json:"provisional_doctor"`
}

// Create registers a member with a fresh referral code. The referral edge is
// established separately so that referredBy is only ever written once.
func (s *Service) Create(ctx context.Context, p CreateParams) (*User, error) {
	return s.CreateTx(ctx, nil, p)
}

func (s *Service) CreateTx(ctx context.Context, tx *gorm.DB, p CreateParams) (*User, error) {
	if err := validation.Struct(p); err != nil {
		return nil, err
	}

	id := contact.Normalize(p.Email, p.Phone)
	if id.Empty() {
		return nil, ErrContactRequired
	}

	code, err := s.seq.NextReferralCode(ctx, p.Name)
	if err != nil {
		zap.L().With(logFields(ctx)...).Error("failed to generate referral code", zap.Error(err))
		return nil, errutil.Internal("failed to generate referral code", err)
	}

	u := &User{
		ID:                  s.node.Generate().String(),
		Name:                p.Name,
		ReferralCode:        code,
		Rank:                RankAssociate,
		IsDoctorProvisional: p.Provisional,
	}
	if id.Email != "" {
		u.Email = &id.Email
	}
	if id.Phone != "" {
		u.Phone = &id.Phone
	}

	if err := s.user.WithTrx(tx).Create(ctx, u); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, ErrContactTaken
		}
		zap.L().With(logFields(ctx)...).Error("failed to create member", zap.Error(err))
		return nil, err
	}

	zap.L().With(logFields(ctx)...).Info("member created", zap.String("member_id", u.ID), zap.String("referral_code", u.ReferralCode))
	return u, nil
}

// VerifyDoctorTx flips the doctor to verified and clears the provisional flag.
// It reports false when the member was already verified.
func (s *Service) VerifyDoctorTx(ctx context.Context, tx *gorm.DB, id string) (bool, error) {
	res := tx.WithContext(ctx).Model(&User{}).
		Where("id = ? AND is_doctor_verified = ?", id, false).
		Updates(map[string]any{
			"is_doctor_verified":    true,
			"is_doctor_provisional": false,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// ListAfter pages members by id for batch sweeps. Filters are optional conditions.
func (s *Service) ListAfter(ctx context.Context, afterID string, limit int, conds ...option.Condition) ([]*User, error) {
	if afterID != "" {
		conds = append(conds, option.Condition{Field: "id", Operator: option.GT, Value: afterID})
	}
	return s.user.Find(ctx, nil,
		option.ApplyOperator(conds...),
		option.WithSortBy(option.QuerySortBy{SortBy: "id", OrderBy: "asc"}),
		option.WithLimit(limit),
	)
}
