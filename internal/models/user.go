package models

// SaaSUser is one record of the directory API owners listing.
type SaaSUser struct {
	ID        string `json:"id"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Email     string `json:"email"`
}

// UsersPage is a single page of the directory listing. NextCursor is empty on
// the last page.
type UsersPage struct {
	Results    []SaaSUser
	NextCursor string
}

// AggregatorUser is the user shape the aggregator ingests.
type AggregatorUser struct {
	ID               string   `json:"id"`
	DisplayName      string   `json:"displayName"`
	Email            string   `json:"email"`
	AdditionalEmails []string `json:"additionalEmails"`
}

// ToAggregatorUser maps a directory record to the aggregator shape.
func ToAggregatorUser(u SaaSUser) AggregatorUser {
	return AggregatorUser{
		ID:               u.ID,
		DisplayName:      u.FirstName + " " + u.LastName,
		Email:            u.Email,
		AdditionalEmails: []string{},
	}
}
