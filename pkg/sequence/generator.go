package sequence

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"referral-ledger/pkg/rediskey"

	"github.com/gosimple/slug"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
)

var Module = fx.Module("sequence",
	fx.Provide(NewRedisGenerator),
)

type Generator interface {
	NextReferralCode(ctx context.Context, name string) (string, error)
}

type RedisGenerator struct {
	rdb *redis.Client
}

type Params struct {
	fx.In

	Redis *redis.Client
}

func NewRedisGenerator(p Params) Generator {
	return &RedisGenerator{
		rdb: p.Redis,
	}
}

func (g *RedisGenerator) NextReferralCode(ctx context.Context, name string) (string, error) {
	seq, err := g.rdb.Incr(ctx, rediskey.SequenceKey(rediskey.ReferralCodeSequence)).Result()
	if err != nil {
		return "", err
	}

	suffix, err := randomAlphaNumeric(2)
	if err != nil {
		return "", err
	}

	return FormatReferralCode(name, seq, suffix), nil
}

// FormatReferralCode renders PREFIX-SEQSUFFIX where PREFIX is up to five letters
// taken from the slug of name and SEQ is base36 with a three character minimum.
func FormatReferralCode(name string, seq int64, suffix string) string {
	prefix := strings.ToUpper(strings.ReplaceAll(slug.Make(name), "-", ""))
	if len(prefix) > 5 {
		prefix = prefix[:5]
	}
	if prefix == "" {
		prefix = "REF"
	}

	encoded := strings.ToUpper(strconv.FormatInt(seq, 36))
	if len(encoded) < 3 {
		encoded = strings.Repeat("0", 3-len(encoded)) + encoded
	}

	return fmt.Sprintf("%s-%s%s", prefix, encoded, suffix)
}

func randomAlphaNumeric(n int) (string, error) {
	const chars = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	b := make([]byte, n)
	for i := range b {
		num, err := rand.Int(rand.Reader, big.NewInt(int64(len(chars))))
		if err != nil {
			return "", err
		}
		b[i] = chars[num.Int64()]
	}
	return string(b), nil
}
