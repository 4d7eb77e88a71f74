package models

// TodoStatus mirrors the agent's task list states.
type TodoStatus string

const (
	TodoPending    TodoStatus = "pending"
	TodoInProgress TodoStatus = "in_progress"
	TodoCompleted  TodoStatus = "completed"
)

// Todo is one item of the agent's current task list.
type Todo struct {
	ID         string
	SessionID  string
	Position   int
	Content    string
	ActiveForm string
	Status     TodoStatus
}
