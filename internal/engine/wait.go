package engine

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// waitSpec — разобранная конфигурация wait-узла.
type waitSpec struct {
	delay    time.Duration
	schedule cron.Schedule
}

// cronParser — стандартный 5-польный формат (минута, час, день, месяц, день недели)
// и дескрипторы (@hourly, @daily, @every 5m).
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// parseWait разбирает конфигурацию wait-узла.
//
// Поддерживаемые ключи (ровно один):
//   - duration (string): Go duration, например "90s", "5m"
//   - duration_sec (number): задержка в секундах
//   - cron (string): ожидание до следующего срабатывания расписания
func parseWait(config map[string]any) (*waitSpec, error) {
	set := 0
	spec := &waitSpec{}

	if v, ok := config["duration"]; ok {
		set++
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("duration must be a string, got %T", v)
		}
		d, err := time.ParseDuration(s)
		if err != nil {
			return nil, fmt.Errorf("parse duration: %w", err)
		}
		spec.delay = d
	}

	if v, ok := config["duration_sec"]; ok {
		set++
		switch n := v.(type) {
		case float64:
			spec.delay = time.Duration(n * float64(time.Second))
		case int:
			spec.delay = time.Duration(n) * time.Second
		default:
			return nil, fmt.Errorf("duration_sec must be a number, got %T", v)
		}
	}

	if v, ok := config["cron"]; ok {
		set++
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("cron must be a string, got %T", v)
		}
		schedule, err := cronParser.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("parse cron %q: %w", s, err)
		}
		spec.schedule = schedule
	}

	if set != 1 {
		return nil, fmt.Errorf("wait node requires exactly one of duration, duration_sec, cron")
	}
	if spec.delay < 0 {
		return nil, fmt.Errorf("negative wait duration")
	}

	return spec, nil
}

// WaitDelay возвращает задержку постановки wait-узла в очередь относительно now.
// Для остальных типов узлов возвращает 0.
func (n *Node) WaitDelay(now time.Time) time.Duration {
	if n.wait == nil {
		return 0
	}
	if n.wait.schedule != nil {
		return n.wait.schedule.Next(now).Sub(now)
	}
	return n.wait.delay
}
