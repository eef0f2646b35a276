package probe

import "testing"

func TestDelta(t *testing.T) {
	cases := []struct {
		name    string
		a, b    SystemSample
		want    float64
	}{
		{
			name: "half loaded",
			a:    SystemSample{User: 100, UserLow: 0, System: 50, Idle: 150},
			b:    SystemSample{User: 0, UserLow: 0, System: 0, Idle: 0},
			want: 0.5,
		},
		{
			name: "no elapsed time",
			a:    SystemSample{User: 10, System: 5, Idle: 5},
			b:    SystemSample{User: 10, System: 5, Idle: 5},
			want: 0,
		},
		{
			name: "fully idle",
			a:    SystemSample{Idle: 100},
			b:    SystemSample{},
			want: 0,
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := Delta(c.a, c.b)
			if got != c.want {
				t.Errorf("Delta() = %v, want %v", got, c.want)
			}
		})
	}
}

func TestProcessDelta(t *testing.T) {
	cases := []struct {
		name    string
		a, b    ProcSample
		elapsed float64
		want    float64
	}{
		{
			name:    "normal usage",
			a:       ProcSample{User: 20, System: 10},
			b:       ProcSample{User: 10, System: 5},
			elapsed: 50,
			want:    0.3,
		},
		{
			name:    "no elapsed time",
			a:       ProcSample{User: 20, System: 10},
			b:       ProcSample{User: 10, System: 5},
			elapsed: 0,
			want:    0,
		},
		{
			name:    "first sample, previous is zero value",
			a:       ProcSample{User: 20, System: 10},
			b:       ProcSample{},
			elapsed: 50,
			want:    0,
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := ProcessDelta(c.a, c.b, c.elapsed)
			if got != c.want {
				t.Errorf("ProcessDelta() = %v, want %v", got, c.want)
			}
		})
	}
}
