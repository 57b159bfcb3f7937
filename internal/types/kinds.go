package types

// Event kinds used by the reading app
const (
	KindProfile       = 0
	KindPost          = 1
	KindDeletion      = 5
	KindReaction      = 7
	KindRemoteSigning = 24133
	KindReadingStatus = 30250
	KindReview        = 31985
)
