package domain

// BudgetDaily accumulates a user's model spend for one UTC date.
// Unique on (user_id, date); date is formatted YYYY-MM-DD.
type BudgetDaily struct {
	ID                 string  `json:"id" db:"id"`
	UserID             string  `json:"user_id" db:"user_id"`
	Date               string  `json:"date" db:"date"`
	EmbeddingTokensEst int64   `json:"embedding_tokens_est" db:"embedding_tokens_est"`
	JudgeTokensEst     int64   `json:"judge_tokens_est" db:"judge_tokens_est"`
	USDEst             float64 `json:"usd_est" db:"usd_est"`
}

// BudgetKind distinguishes the two metered model call paths.
type BudgetKind string

const (
	BudgetEmbedding BudgetKind = "embedding"
	BudgetJudge     BudgetKind = "judge"
)

// BudgetFlags are the derived cutoff flags consulted by the embedding
// worker and the decision pipeline.
type BudgetFlags struct {
	EmbeddingDisabled bool `json:"embedding_disabled"`
	JudgeDisabled     bool `json:"judge_disabled"`
	SoftCutoff        bool `json:"soft_cutoff"`
}

// SystemUser is the shared budget bucket for public sources with no owner.
const SystemUser = "system"
