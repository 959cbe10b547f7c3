// Package questions builds the ordered conversation plan each session walks
// through, and synthesizes filler questions and user identities.
package questions

import (
	"fmt"

	"github.com/brianvoe/gofakeit/v7"

	"github.com/example/chatbot/tools/captest/internal/codec"
	"github.com/example/chatbot/tools/captest/internal/config"
)

// Planner produces the per-session question plan. The plan is identical for
// every session so stage results stay comparable.
type Planner struct {
	plan []codec.Question
}

// NewPlanner builds the plan from the configured courses. Questions keep
// their configured order; synthesized fillers are appended per course.
func NewPlanner(courses []config.CourseConfig, faker *gofakeit.Faker) *Planner {
	if faker == nil {
		faker = gofakeit.New(0)
	}

	var plan []codec.Question
	for _, course := range courses {
		for _, text := range course.Questions {
			plan = append(plan, codec.Question{CourseID: course.ID, Text: text})
		}
		for i := 0; i < course.Synthesize; i++ {
			plan = append(plan, codec.Question{CourseID: course.ID, Text: synthesize(faker)})
		}
	}

	return &Planner{plan: plan}
}

// Plan returns a copy of the ordered question plan.
func (p *Planner) Plan() []codec.Question {
	out := make([]codec.Question, len(p.plan))
	copy(out, p.plan)
	return out
}

// Len returns the number of planned questions per session.
func (p *Planner) Len() int { return len(p.plan) }

// question templates for synthesized fillers. Phrased like real student
// questions so the backend exercises its full answer path.
var templates = []func(f *gofakeit.Faker) string{
	func(f *gofakeit.Faker) string {
		return fmt.Sprintf("Can you explain %s in simple terms?", f.NounAbstract())
	},
	func(f *gofakeit.Faker) string {
		return fmt.Sprintf("What is the difference between %s and %s?", f.NounAbstract(), f.NounAbstract())
	},
	func(f *gofakeit.Faker) string {
		return fmt.Sprintf("Give me a summary of %s.", f.NounAbstract())
	},
	func(f *gofakeit.Faker) string {
		return fmt.Sprintf("Why is %s important for this course?", f.NounAbstract())
	},
	func(f *gofakeit.Faker) string {
		return fmt.Sprintf("How does %s relate to %s?", f.NounAbstract(), f.NounAbstract())
	},
}

func synthesize(f *gofakeit.Faker) string {
	return templates[f.Number(0, len(templates)-1)](f)
}

// FillIdentity synthesizes any unset fields of the simulated user identity.
// Set fields are left alone.
func FillIdentity(user config.UserContextConfig, faker *gofakeit.Faker) config.UserContextConfig {
	if faker == nil {
		faker = gofakeit.New(0)
	}

	if user.UserID == 0 {
		user.UserID = faker.Number(10000, 99999)
	}
	if user.UserName == "" {
		user.UserName = faker.Name()
	}
	if user.UserEmail == "" {
		user.UserEmail = faker.Email()
	}
	return user
}
