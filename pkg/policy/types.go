package policy

// Bucket represents one of the three coarse authorization classes a command
// pattern can be assigned to.
type Bucket string

const (
	// BucketAllow commands run without any further approval.
	BucketAllow Bucket = "always_allow"
	// BucketAsk commands require an override or explicit user approval.
	BucketAsk Bucket = "always_ask"
	// BucketBlock commands never reach the shell and cannot be overridden.
	BucketBlock Bucket = "always_block"
)

// Valid reports whether b names a known bucket.
func (b Bucket) Valid() bool {
	switch b {
	case BucketAllow, BucketAsk, BucketBlock:
		return true
	}
	return false
}

// Rule maps a command pattern to a bucket. Patterns are globs matched against
// the full command text, or bare words matched against the command's base name.
type Rule struct {
	Pattern string
	Bucket  Bucket
}

// Decision is the outcome of classifying a command. Given a fixed policy
// snapshot it is a pure function of the command text.
type Decision struct {
	Bucket Bucket

	// MatchedRule is the pattern of the bucket rule that fired, or
	// "default" when no rule matched.
	MatchedRule string

	// MatchedPattern is set when a dangerous pattern forced the block,
	// and Explanation carries its message.
	MatchedPattern string
	Explanation    string
}

// Dangerous reports whether the decision came from the dangerous-pattern
// filter rather than a bucket rule.
func (d Decision) Dangerous() bool {
	return d.MatchedPattern != ""
}
