package main

import "database/sql"

// Observation frameworks shipped with the product. Element ids are
// stable keys shared with the dashboard frontend.
const (
	FrameworkDanielson = "danielson"
	FrameworkMarshall  = "marshall"
)

type FrameworkElement struct {
	ID            string
	FrameworkType string
	DomainID      string
	DomainName    string
	Name          string
}

type frameworkDomain struct {
	id       string
	name     string
	elements [][2]string // id, name
}

var danielsonDomains = []frameworkDomain{
	{"d1", "Domain 1: Planning and Preparation", [][2]string{
		{"d1a", "Demonstrating Knowledge of Content and Pedagogy"},
		{"d1b", "Demonstrating Knowledge of Students"},
		{"d1c", "Setting Instructional Outcomes"},
		{"d1d", "Demonstrating Knowledge of Resources"},
		{"d1e", "Designing Coherent Instruction"},
		{"d1f", "Designing Student Assessments"},
	}},
	{"d2", "Domain 2: Classroom Environment", [][2]string{
		{"d2a", "Creating an Environment of Respect and Rapport"},
		{"d2b", "Establishing a Culture for Learning"},
		{"d2c", "Managing Classroom Procedures"},
		{"d2d", "Managing Student Behavior"},
		{"d2e", "Organizing Physical Space"},
	}},
	{"d3", "Domain 3: Instruction", [][2]string{
		{"d3a", "Communicating with Students"},
		{"d3b", "Using Questioning and Discussion Techniques"},
		{"d3c", "Engaging Students in Learning"},
		{"d3d", "Using Assessment in Instruction"},
		{"d3e", "Demonstrating Flexibility and Responsiveness"},
	}},
	{"d4", "Domain 4: Professional Responsibilities", [][2]string{
		{"d4a", "Reflecting on Teaching"},
		{"d4b", "Maintaining Accurate Records"},
		{"d4c", "Communicating with Families"},
		{"d4d", "Participating in the Professional Community"},
		{"d4e", "Growing and Developing Professionally"},
		{"d4f", "Showing Professionalism"},
	}},
}

var marshallDomains = []frameworkDomain{
	{"m1", "A. Planning and Preparation for Learning", [][2]string{
		{"m1a", "Knowledge of Subject Matter"},
		{"m1b", "Strategic Planning"},
		{"m1c", "Curriculum Alignment"},
		{"m1d", "Assessment Design"},
		{"m1e", "Anticipating Student Needs"},
		{"m1f", "Lesson Preparation"},
		{"m1g", "Student Engagement Planning"},
		{"m1h", "Materials Preparation"},
		{"m1i", "Differentiation Planning"},
		{"m1j", "Environment Setup"},
	}},
	{"m2", "B. Classroom Management", [][2]string{
		{"m2a", "Expectations and Norms"},
		{"m2b", "Student Relationships"},
		{"m2c", "Routines and Procedures"},
		{"m2d", "Behavior Management"},
		{"m2e", "Physical Space Organization"},
	}},
	{"m3", "C. Delivery of Instruction", [][2]string{
		{"m3a", "Clear Communication"},
		{"m3b", "Questioning Techniques"},
		{"m3c", "Student Engagement"},
		{"m3d", "Pacing and Flexibility"},
		{"m3e", "Differentiated Instruction"},
	}},
	{"m4", "D. Monitoring, Assessment, and Follow-Up", [][2]string{
		{"m4a", "Ongoing Assessment"},
		{"m4b", "Feedback Quality"},
		{"m4c", "Data-Driven Decisions"},
		{"m4d", "Student Progress Tracking"},
	}},
	{"m5", "E. Family and Community Outreach", [][2]string{
		{"m5a", "Family Communication"},
		{"m5b", "Community Engagement"},
		{"m5c", "Cultural Responsiveness"},
	}},
	{"m6", "F. Professional Responsibilities", [][2]string{
		{"m6a", "Self-Reflection"},
		{"m6b", "Professional Development"},
		{"m6c", "Collaboration"},
		{"m6d", "School Community Participation"},
	}},
}

func allFrameworkElements() []FrameworkElement {
	var out []FrameworkElement
	appendDomains := func(frameworkType string, domains []frameworkDomain) {
		for _, d := range domains {
			for _, e := range d.elements {
				out = append(out, FrameworkElement{
					ID:            e[0],
					FrameworkType: frameworkType,
					DomainID:      d.id,
					DomainName:    d.name,
					Name:          e[1],
				})
			}
		}
	}
	appendDomains(FrameworkDanielson, danielsonDomains)
	appendDomains(FrameworkMarshall, marshallDomains)
	return out
}

// SeedFrameworkElements loads the built-in catalogs. Idempotent; runs
// on every startup so new elements added in a release appear without a
// migration step.
func SeedFrameworkElements(db *sql.DB) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(
		`INSERT INTO framework_elements (id, framework_type, domain_id, domain_name, name)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name = excluded.name, domain_name = excluded.domain_name`,
	)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, e := range allFrameworkElements() {
		if _, err := stmt.Exec(e.ID, e.FrameworkType, e.DomainID, e.DomainName, e.Name); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func GetFrameworkElement(db *sql.DB, id string) (FrameworkElement, error) {
	var e FrameworkElement
	err := db.QueryRow(
		`SELECT id, framework_type, domain_id, domain_name, name FROM framework_elements WHERE id = ?`,
		id,
	).Scan(&e.ID, &e.FrameworkType, &e.DomainID, &e.DomainName, &e.Name)
	if err == sql.ErrNoRows {
		return e, &NotFoundError{Entity: "framework element", ID: id}
	}
	return e, err
}
