package shared

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPeriodOrderingAndBounds(t *testing.T) {
	jan := Period{Month: 1, Year: 2025}
	feb := Period{Month: 2, Year: 2025}
	dec := Period{Month: 12, Year: 2024}

	assert.True(t, dec.Before(jan))
	assert.True(t, jan.Before(feb))
	assert.Equal(t, 0, feb.Compare(Period{Month: 2, Year: 2025}))
	assert.Equal(t, jan, dec.Next())
	assert.Equal(t, dec, jan.Prev())

	assert.Equal(t, time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC), feb.Start())
	assert.Equal(t, time.Date(2025, 2, 28, 0, 0, 0, 0, time.UTC), feb.End())
	assert.Equal(t, "2025-02", feb.String())
}

func TestPeriodValidate(t *testing.T) {
	assert.NoError(t, Period{Month: 12, Year: 2025}.Validate())
	assert.True(t, errors.Is(Period{Month: 13, Year: 2025}.Validate(), ErrInvalidPeriod))
	assert.True(t, errors.Is(Period{Month: 0, Year: 2025}.Validate(), ErrInvalidPeriod))
}

func TestCursorRoundTripRejectsGarbage(t *testing.T) {
	cursor := EncodeCursor("2025-01-01", "abc")
	parts, err := DecodeCursor(cursor, 2)
	assert.NoError(t, err)
	assert.Equal(t, []string{"2025-01-01", "abc"}, parts)

	_, err = DecodeCursor("%%%", 2)
	assert.ErrorIs(t, err, ErrInvalidCursor)
	_, err = DecodeCursor(cursor, 3)
	assert.ErrorIs(t, err, ErrInvalidCursor)
}
