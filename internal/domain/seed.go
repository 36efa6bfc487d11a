package domain

// SeedActivity is one activity of the built-in dataset with its initial members.
type SeedActivity struct {
	Activity
	Participants []string
}

// SeedDataset is consumed once by store initialisation and never read afterwards.
type SeedDataset struct {
	Version    int
	Activities []SeedActivity
}

// DefaultSeed returns the school's built-in activity list.
func DefaultSeed() SeedDataset {
	return SeedDataset{
		Version: 1,
		Activities: []SeedActivity{
			{
				Activity: Activity{
					Name:        "Chess Club",
					Description: "Learn strategies and compete in chess tournaments",
					Schedule:    "Fridays, 3:30 PM - 5:00 PM",
					Capacity:    12,
				},
				Participants: []string{"michael@mergington.edu", "daniel@mergington.edu"},
			},
			{
				Activity: Activity{
					Name:        "Programming Class",
					Description: "Learn programming fundamentals and build software projects",
					Schedule:    "Tuesdays and Thursdays, 3:30 PM - 4:30 PM",
					Capacity:    20,
				},
				Participants: []string{"emma@mergington.edu", "sophia@mergington.edu"},
			},
			{
				Activity: Activity{
					Name:        "Gym Class",
					Description: "Physical education and sports activities",
					Schedule:    "Mondays, Wednesdays, Fridays, 2:00 PM - 3:00 PM",
					Capacity:    30,
				},
				Participants: []string{"john@mergington.edu", "olivia@mergington.edu"},
			},
			{
				Activity: Activity{
					Name:        "Soccer Team",
					Description: "Join the school soccer team and compete in local leagues",
					Schedule:    "Tuesdays and Thursdays, 4:00 PM - 5:30 PM",
					Capacity:    18,
				},
				Participants: []string{"lucas@mergington.edu", "mia@mergington.edu"},
			},
			{
				Activity: Activity{
					Name:        "Basketball Club",
					Description: "Practice basketball skills and play friendly matches",
					Schedule:    "Wednesdays, 3:30 PM - 5:00 PM",
					Capacity:    15,
				},
				Participants: []string{"liam@mergington.edu", "ava@mergington.edu"},
			},
			{
				Activity: Activity{
					Name:        "Drama Club",
					Description: "Participate in school plays and improve acting skills",
					Schedule:    "Mondays, 4:00 PM - 5:30 PM",
					Capacity:    20,
				},
				Participants: []string{"noah@mergington.edu", "isabella@mergington.edu"},
			},
			{
				Activity: Activity{
					Name:        "Art Workshop",
					Description: "Explore painting, drawing, and other visual arts",
					Schedule:    "Thursdays, 3:30 PM - 5:00 PM",
					Capacity:    16,
				},
				Participants: []string{"amelia@mergington.edu", "benjamin@mergington.edu"},
			},
			{
				Activity: Activity{
					Name:        "Math Olympiad",
					Description: "Prepare for math competitions and solve challenging problems",
					Schedule:    "Fridays, 2:00 PM - 3:30 PM",
					Capacity:    10,
				},
				Participants: []string{"charlotte@mergington.edu", "elijah@mergington.edu"},
			},
			{
				Activity: Activity{
					Name:        "Debate Team",
					Description: "Develop public speaking and argumentation skills",
					Schedule:    "Wednesdays, 4:00 PM - 5:30 PM",
					Capacity:    14,
				},
				Participants: []string{"william@mergington.edu", "harper@mergington.edu"},
			},
		},
	}
}
