package domain

// Activity is a named extracurricular offering. Capacity does not change after creation.
type Activity struct {
	Name        string
	Description string
	Schedule    string
	Capacity    int
}

// Roster is an activity together with its members in join order.
type Roster struct {
	Activity
	Participants []string
}
