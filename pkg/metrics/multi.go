package metrics

// MultiObserver fans one event out to several observers.
type MultiObserver struct {
	list []Observer
}

func NewMultiObserver(list ...Observer) *MultiObserver {
	return &MultiObserver{list: list}
}

func (m *MultiObserver) RecordEvent(ev Event) {
	for _, o := range m.list {
		o.RecordEvent(ev)
	}
}

func (m *MultiObserver) Flush() error {
	var err error
	for _, o := range m.list {
		if f, ok := o.(Flusher); ok {
			if e := f.Flush(); e != nil && err == nil {
				err = e
			}
		}
	}
	return err
}
