package homekit

import (
	"github.com/brutella/hap/characteristic"
	"github.com/brutella/hap/service"

	"github.com/zehnder-rf/zehnder-go/pkg/controller"
	"github.com/zehnder-rf/zehnder-go/pkg/frame"
)

// fanService is a HomeKit Fan v2 service with a fault flag.
type fanService struct {
	*service.S

	Active        *characteristic.Active
	CurrentState  *characteristic.CurrentFanState
	TargetState   *characteristic.TargetFanState
	RotationSpeed *characteristic.RotationSpeed
	StatusFault   *characteristic.StatusFault
}

func newFanService() *fanService {
	s := fanService{}
	s.S = service.New(service.TypeFanV2)

	s.Active = characteristic.NewActive()
	s.AddC(s.Active.C)

	s.CurrentState = characteristic.NewCurrentFanState()
	s.AddC(s.CurrentState.C)

	s.TargetState = characteristic.NewTargetFanState()
	s.AddC(s.TargetState.C)

	s.RotationSpeed = characteristic.NewRotationSpeed()
	s.RotationSpeed.SetStepValue(1)
	s.AddC(s.RotationSpeed.C)

	s.StatusFault = characteristic.NewStatusFault()
	s.AddC(s.StatusFault.C)

	return &s
}

// show copies a controller status into the characteristics.
func (s *fanService) show(st controller.Status) {
	fault := characteristic.StatusFaultNoFault
	if !st.Healthy || !st.Linked {
		fault = characteristic.StatusFaultGeneralFault
	}
	s.StatusFault.SetValue(fault)

	if !st.Reported {
		return
	}

	active := characteristic.ActiveInactive
	current := characteristic.CurrentFanStateIdle
	if st.Speed > 0 {
		active = characteristic.ActiveActive
		current = characteristic.CurrentFanStateBlowingAir
	}
	if !st.Linked {
		current = characteristic.CurrentFanStateInactive
	}
	s.Active.SetValue(active)
	s.CurrentState.SetValue(current)

	target := characteristic.TargetFanStateManual
	if st.Preset == frame.PresetAuto && !st.Overridden() && st.Setting == 0 {
		target = characteristic.TargetFanStateAuto
	}
	s.TargetState.SetValue(target)
	s.RotationSpeed.SetValue(float64(st.Speed))
}
