package backend

// Health is the status a backend reports about itself.
type Health struct {
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
}

// Healthy is shorthand for an OK status with a detail message.
func Healthy(detail string) Health {
	return Health{OK: true, Detail: detail}
}

// Unhealthy is shorthand for a failing status.
func Unhealthy(detail string) Health {
	return Health{OK: false, Detail: detail}
}
