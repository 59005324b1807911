package core

// Defaults applied to optional result fields.
const (
	DefaultOperation   = "register"
	DefaultResultToken = ""
)

// ResultMessage is a result submitted by one room member for the others.
type ResultMessage struct {
	RoomID      string
	Mode        Mode
	UserID      string
	Name        string
	ResultToken string
	Operation   string
	Result      string
}

// Validate reports every missing required field at once.
func (m *ResultMessage) Validate() error {
	var missing []string
	if m.RoomID == "" {
		missing = append(missing, "roomId")
	}
	if m.UserID == "" {
		missing = append(missing, "userId")
	}
	if m.Name == "" {
		missing = append(missing, "name")
	}
	if m.Result == "" {
		missing = append(missing, "result")
	}
	if m.Mode == 0 {
		missing = append(missing, "mode")
	}
	if len(missing) > 0 {
		return missingFieldsError(missing)
	}
	return nil
}

// WithDefaults fills optional fields left empty.
func (m ResultMessage) WithDefaults() ResultMessage {
	if m.Operation == "" {
		m.Operation = DefaultOperation
	}
	if m.ResultToken == "" {
		m.ResultToken = DefaultResultToken
	}
	return m
}
