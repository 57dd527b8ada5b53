package events

import "errors"

// Multi fans one event out to several sinks, e.g. the live WS transport
// plus a Kafka archive. Every sink is attempted; errors are joined.
type Multi []Publisher

func (m Multi) Publish(audienceID, event string, payload any) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(audienceID, event, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
