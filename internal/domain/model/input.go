package model

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"

	"hearing-summarizer/internal/domain"
)

// Partition is the slice of input belonging to one response when variants are
// partitioned by response instead of being redundant attempts.
type Partition struct {
	ResponseID string `json:"response_id"`
	Text       string `json:"text"`
}

// SummaryInput is the already assembled content a job summarizes.
type SummaryInput struct {
	HearingID    string      `json:"hearing_id"`
	Text         string      `json:"text"`
	Partitions   []Partition `json:"partitions,omitempty"`
	VariantCount int         `json:"variant_count"`
}

// Normalize clamps the variant count and, for partitioned input, pins it to the
// number of partitions.
func (in *SummaryInput) Normalize(defaultVariants, maxVariants int) error {
	in.HearingID = strings.TrimSpace(in.HearingID)
	if in.HearingID == "" {
		return domain.ErrInvalidArgument
	}
	if len(in.Partitions) > 0 {
		if len(in.Partitions) > maxVariants {
			return domain.ErrInvalidArgument
		}
		in.VariantCount = len(in.Partitions)
		return nil
	}
	if strings.TrimSpace(in.Text) == "" {
		return domain.ErrInvalidArgument
	}
	if in.VariantCount <= 0 {
		in.VariantCount = defaultVariants
	}
	if in.VariantCount > maxVariants {
		in.VariantCount = maxVariants
	}
	if in.VariantCount < 1 {
		in.VariantCount = 1
	}
	return nil
}

// Hash is the hex SHA-256 of the canonical JSON form of the input.
func (in SummaryInput) Hash() string {
	b, _ := json.Marshal(in)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// SliceFor returns the response id and text a variant generates from.
func (in SummaryInput) SliceFor(index int) (responseID, text string) {
	if len(in.Partitions) == 0 {
		return "", in.Text
	}
	if index < 1 || index > len(in.Partitions) {
		return "", ""
	}
	p := in.Partitions[index-1]
	if in.Text == "" {
		return p.ResponseID, p.Text
	}
	return p.ResponseID, in.Text + "\n\n" + p.Text
}
