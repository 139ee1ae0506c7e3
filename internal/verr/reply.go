package verr

// SMTPError is a wire-level reply: a 3-digit code, an RFC 3463 enhanced
// code, and a human-readable message. It is what ReplyOf produces and what
// a policy verdict carries as its Reply; the session engine formats its
// own replies from literal codes rather than from SMTPError values.
type SMTPError struct {
	Code         int
	EnhancedCode [3]int
	Message      string
}

func (e *SMTPError) Error() string {
	return e.Message
}

func (e *SMTPError) Fields() map[string]interface{} {
	return map[string]interface{}{
		"smtp_code":     e.Code,
		"smtp_enchcode": e.EnhancedCode,
		"smtp_msg":      e.Message,
	}
}

func (e *SMTPError) Temporary() bool {
	return e.Code/100 == 4
}

// ReplyOf converts an arbitrary error into an SMTPError, consulting any
// smtp_code/smtp_enchcode/smtp_msg fields attached via WithFields along the
// way. Errors with no such annotation become a generic internal-error
// reply so we never leak internal details over the wire; temporary-tagged
// errors get a 4xx instead of 5xx.
func ReplyOf(err error) *SMTPError {
	if err == nil {
		return nil
	}
	if se, ok := err.(*SMTPError); ok {
		return se
	}

	res := &SMTPError{
		Code:         554,
		EnhancedCode: [3]int{5, 0, 0},
		Message:      "Internal server error",
	}
	if IsTemporary(err) {
		res.Code = 451
		res.EnhancedCode = [3]int{4, 0, 0}
	}

	fields := Fields(err)
	if code, ok := fields["smtp_code"].(int); ok {
		res.Code = code
	}
	if ec, ok := fields["smtp_enchcode"].([3]int); ok {
		res.EnhancedCode = ec
	}
	if msg, ok := fields["smtp_msg"].(string); ok {
		res.Message = msg
	}

	return res
}
