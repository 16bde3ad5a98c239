package gtbx

import (
	"time"
)

const (
	defaultPollingInterval time.Duration = time.Second * 5
	defaultBatchSize       int           = 100
	defaultMaxRetries      int           = 3
	defaultSendTimeout     time.Duration = time.Second * 10
)

type TxKey any

// Settings holds the general Goutbox module configuration.
type Settings struct {
	EnableDispatcher bool          // enables the polling publisher dispatcher
	PollingInterval  time.Duration // interval between database pollings by the dispatcher
	BatchSize        int           // maximum number of records claimed per dispatch cycle
	MaxRetries       int           // failed attempts after which a record becomes a dead letter
	SendTimeout      time.Duration // deadline of a single emission (and of its status update)
	ClaimTTL         time.Duration // lease of the claimed records (0 = derived from the other settings)
}

// validateSettings applies defaults where needed. MaxRetries is always
// defaulted since dead letter queries depend on it.
func validateSettings(s *Settings) {
	if s.MaxRetries <= 0 {
		s.MaxRetries = defaultMaxRetries
	}
	if s.EnableDispatcher {
		if s.PollingInterval <= 0 {
			s.PollingInterval = defaultPollingInterval
		}
		if s.BatchSize <= 0 {
			s.BatchSize = defaultBatchSize
		}
		if s.SendTimeout <= 0 {
			s.SendTimeout = defaultSendTimeout
		}
		if s.ClaimTTL <= 0 {
			// A lease must outlive the worst case cycle (every send timing out
			// followed by its status update).
			s.ClaimTTL = 2*time.Duration(s.BatchSize)*s.SendTimeout + s.PollingInterval
		}
	}
}
