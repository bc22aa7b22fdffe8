// Package classifier implements the content-classification collaborator: an
// advisory service that, given a domain name, returns a safety verdict and a
// category. Classification is best-effort; every failure mode degrades to
// "safe" so the collaborator can never break resolution.
package classifier

import "context"

// Category buckets a domain by its content.
type Category string

const (
	CategorySocial        Category = "social"
	CategoryShopping      Category = "shopping"
	CategoryGambling      Category = "gambling"
	CategoryGaming        Category = "gaming"
	CategoryNews          Category = "news"
	CategoryEducation     Category = "education"
	CategoryEntertainment Category = "entertainment"
	CategoryBusiness      Category = "business"
	CategoryTechnology    Category = "technology"
	CategoryHealth        Category = "health"
	CategoryFinance       Category = "finance"
	CategoryAdult         Category = "adult"
	CategoryMalicious     Category = "malicious"
	CategorySearch        Category = "search"
	CategoryCloud         Category = "cloud"
	CategoryGovernment    Category = "government"
	CategoryNonprofit     Category = "nonprofit"
	CategoryOther         Category = "other"
	CategoryUnknown       Category = "unknown"
)

// Verdict is the result of classifying a domain.
type Verdict struct {
	Safe     bool
	Reason   string
	Category Category
}

// Classifier is the collaborator contract. Classify may be slow (seconds);
// callers that cannot wait must invoke it from their own goroutine. Any
// error is advisory: the accompanying verdict is always usable and errs on
// the side of "safe".
type Classifier interface {
	Classify(ctx context.Context, domain string) (Verdict, error)
}

// Func adapts a function to the Classifier interface.
type Func func(ctx context.Context, domain string) (Verdict, error)

// Classify implements Classifier.
func (f Func) Classify(ctx context.Context, domain string) (Verdict, error) {
	return f(ctx, domain)
}

// safeVerdict is what every failure path returns.
func safeVerdict(reason string) Verdict {
	return Verdict{Safe: true, Reason: reason, Category: CategoryUnknown}
}
