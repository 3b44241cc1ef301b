package capability

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"strings"
)

// SystemdServices drives units through systemctl.
type SystemdServices struct {
	runner Runner
}

func NewSystemdServices(runner Runner) *SystemdServices {
	return &SystemdServices{runner: runner}
}

func (s *SystemdServices) List(ctx context.Context) ([]Service, error) {
	out, err := s.runner.Run(ctx, nil, "systemctl",
		"list-units", "--type=service", "--all", "--no-pager", "--no-legend", "--plain")
	if err != nil {
		return nil, err
	}
	return parseUnits(out), nil
}

// parseUnits reads "UNIT LOAD ACTIVE SUB DESCRIPTION..." rows. Lines with fewer
// than five columns are skipped; a leading failure marker is ignored.
func parseUnits(out []byte) []Service {
	services := []Service{}
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) > 0 && (fields[0] == "●" || fields[0] == "*") {
			fields = fields[1:]
		}
		if len(fields) < 5 {
			continue
		}
		services = append(services, Service{
			Name:        fields[0],
			Load:        fields[1],
			Active:      fields[2],
			Sub:         fields[3],
			Description: strings.Join(fields[4:], " "),
		})
	}
	return services
}

func (s *SystemdServices) Manage(ctx context.Context, service, action string) error {
	if !ValidAction(action) {
		return fmt.Errorf("%w: action %q", ErrInvalidArgument, action)
	}
	if err := argument("service", service); err != nil {
		return err
	}
	_, err := s.runner.Run(ctx, nil, "systemctl", action, service)
	return err
}
