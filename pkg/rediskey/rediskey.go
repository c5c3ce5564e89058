package rediskey

import "fmt"

// Key prefixes shared by every process talking to the same redis.
const (
	SequencePrefix = "seq"
)

const ReferralCodeSequence = "referral_code"

func NamespaceKey(namespace, key string) string {
	return fmt.Sprintf("%s:%s", namespace, key)
}

// SequenceKey returns "seq:{name}"
func SequenceKey(name string) string {
	return NamespaceKey(SequencePrefix, name)
}
