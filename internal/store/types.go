package store

import "time"

type RunState string

const (
	RunNotStarted          RunState = "not_started"
	RunRunning             RunState = "running"
	RunComplete            RunState = "complete"
	RunCompletedWithErrors RunState = "completed_with_errors"
)

// Population is a named persona pool with its prompt template (JSON segment list).
type Population struct {
	ID             int64  `json:"id"`
	Tag            string `json:"tag"`
	Name           string `json:"name"`
	PromptTemplate string `json:"promptTemplate"`
}

type Survey struct {
	ID          int64      `json:"id"`
	UserID      int64      `json:"userId"`
	ProjectID   int64      `json:"projectId"`
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Context     string     `json:"context"`
	Questions   []Question `json:"questions"`
}

type Question struct {
	ID       int64  `json:"id"`
	SurveyID int64  `json:"surveyId"`
	Position int    `json:"position"`
	Name     string `json:"name"`
	Text     string `json:"text"`
	Schema   string `json:"schema"`
}

type Project struct {
	ID     int64  `json:"id"`
	UserID int64  `json:"userId"`
	Name   string `json:"name"`
	Status string `json:"status"`
}

type Subscription struct {
	ID                      int64     `json:"id"`
	UserID                  int64     `json:"userId"`
	Status                  string    `json:"status"`
	MaxProjects             int       `json:"maxProjects"`
	MaxRespondentsPerSurvey int       `json:"maxRespondentsPerSurvey"`
	RemainingInteractions   int64     `json:"remainingInteractions"`
	ExpiresAt               time.Time `json:"expiresAt,omitzero"`
}

// Run is one execution of a survey against a population.
type Run struct {
	ID            int64     `json:"id"`
	UserID        int64     `json:"userId"`
	ProjectID     int64     `json:"projectId"`
	SurveyID      int64     `json:"surveyId"`
	PopulationTag string    `json:"populationTag"`
	Respondents   int       `json:"respondents"`
	State         RunState  `json:"state"`
	Attempt       int       `json:"attempt"`
	TotalUnits    int       `json:"totalUnits"`
	FailedUnits   int       `json:"failedUnits"`
	StartedAt     time.Time `json:"startedAt,omitzero"`
	CompletedAt   time.Time `json:"completedAt,omitzero"`
}

// Interaction is one persona's answer to one question.
type Interaction struct {
	ID           int64     `json:"id"`
	RunID        int64     `json:"runId"`
	Attempt      int       `json:"attempt"`
	PersonaID    int64     `json:"personaId"`
	QuestionID   int64     `json:"questionId"`
	QuestionText string    `json:"questionText"`
	AnswerText   string    `json:"answerText"`
	Cost         int       `json:"cost"`
	CreatedAt    time.Time `json:"createdAt"`
}

// CollectInput is the full result of one run attempt.
type CollectInput struct {
	RunID        int64
	Attempt      int
	Interactions []Interaction
	FailedUnits  int
	State        RunState
	CompletedAt  time.Time
}
