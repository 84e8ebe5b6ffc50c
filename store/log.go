package store

import "go.uber.org/zap"

// logger is shared by the whole package. It defaults to a nop logger so the
// library stays silent unless the embedding program installs one.
var logger = zap.NewNop().Sugar()

// SetLogger installs the logger used by the store client. Passing nil
// restores the nop logger.
func SetLogger(l *zap.SugaredLogger) {
	if l == nil {
		logger = zap.NewNop().Sugar()
		return
	}
	logger = l
}
