package utils

import (
	"fmt"
	"hash/fnv"

	"mailflow/models"

	"gorm.io/gorm"
)

// Recipient is one resolved audience member with its assigned variant.
type Recipient struct {
	Subscriber models.Subscriber
	Variant    string
}

// AudienceResolver evaluates declarative filters against the subscriber
// set. Unsubscribed and invalid-address subscribers are always
// excluded; campaigns additionally require a confirmed address.
type AudienceResolver struct {
	DB *gorm.DB
}

func NewAudienceResolver(db *gorm.DB) *AudienceResolver {
	return &AudienceResolver{DB: db}
}

// Resolve returns the subscribers matching the filter, with
// deterministic A/B variants assigned per splitPercent.
func (r *AudienceResolver) Resolve(filter models.AudienceFilter, requireConfirmed bool, splitPercent int) ([]Recipient, error) {
	q := r.DB.Where("unsubscribed = ? AND address_invalid = ?", false, false)
	if requireConfirmed {
		q = q.Where("confirmed = ?", true)
	}

	var subs []models.Subscriber
	if err := q.Find(&subs).Error; err != nil {
		return nil, fmt.Errorf("load subscribers: %w", err)
	}

	var recipients []Recipient
	for i := range subs {
		if !filter.Matches(&subs[i]) {
			continue
		}
		recipients = append(recipients, Recipient{
			Subscriber: subs[i],
			Variant:    AssignVariant(subs[i].ID, splitPercent),
		})
	}
	return recipients, nil
}

// AssignVariant buckets a subscriber into 0-99 by FNV-32a of its id and
// compares against the split. The same subscriber always lands in the
// same bucket, so re-evaluating a campaign never flips variants.
func AssignVariant(subscriberID uint, splitPercent int) string {
	if splitPercent >= 100 {
		return models.VariantA
	}
	if splitPercent <= 0 {
		return models.VariantB
	}
	h := fnv.New32a()
	fmt.Fprintf(h, "%d", subscriberID)
	if int(h.Sum32()%100) < splitPercent {
		return models.VariantA
	}
	return models.VariantB
}
