package consensus

import (
	"errors"
	"fmt"
)

// TimeoutError reports a round that failed to reach quorum before its
// deadline. The round is not abandoned: the proposal carries forward into
// the next epoch under a rotated proposer.
type TimeoutError struct {
	ProposalID string
	Epoch      uint64
	Votes      int
	Needed     int
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("consensus round %s timed out in epoch %d with %d of %d votes",
		e.ProposalID, e.Epoch, e.Votes, e.Needed)
}

// IsTimeout reports whether err is a consensus timeout.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}
