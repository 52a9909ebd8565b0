package repository

import (
	"errors"
	"fmt"
	"math"

	"github.com/okian/iuuwatch/internal/domain/model"
)

// Sentinel kinds for repository errors.
var (
	ErrNilDB        = errors.New("repository: nil db")
	ErrInvalidLimit = errors.New("invalid alert limit")
	ErrInvalidAlert = errors.New("invalid alert")
)

func checkAlert(a model.Alert) error {
	switch {
	case a.VesselID == "":
		return fmt.Errorf("%w: missing vessel id", ErrInvalidAlert)
	case a.Timestamp.IsZero():
		return fmt.Errorf("%w: missing timestamp", ErrInvalidAlert)
	case math.IsNaN(a.Probability) || a.Probability < 0 || a.Probability > 1:
		return fmt.Errorf("%w: probability %v", ErrInvalidAlert, a.Probability)
	}
	return nil
}

func checkLimit(limit int) error {
	if limit <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidLimit, limit)
	}
	return nil
}
