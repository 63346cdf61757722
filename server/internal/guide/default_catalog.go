package guide

import "fixdad/server/internal/model"

// DefaultCatalog 返回内置计划目录。部署时可以用 guide.catalog_path 指向 YAML 覆盖。
func DefaultCatalog() *Catalog {
	c, err := NewCatalog(defaultPlans())
	if err != nil {
		panic("guide: invalid built-in catalog: " + err.Error())
	}
	return c
}

func defaultPlans() []model.GuidePlan {
	return []model.GuidePlan{
		{
			ID:       "plumbing-toilet",
			Title:    "Unclog and stabilize a toilet",
			Category: "plumbing",
			Fixture:  "toilet",
			Steps: []model.Step{
				{
					Title:        "Stop the water",
					Instruction:  "Turn the shutoff valve behind the toilet clockwise until it stops, or lift the tank float to stop refilling.",
					SafetyNote:   "If water is reaching outlets or cords, stay out of the water and cut power at the breaker first.",
					CheckHint:    "The tank should stop refilling within a few seconds.",
					IsDangerStep: true,
					IsCheckpoint: true,
				},
				{
					Title:       "Clear the overflow",
					Instruction: "Bail the bowl down to half full and mop up standing water around the base.",
					CheckHint:   "Bowl water level sits below the rim.",
				},
				{
					Title:       "Plunge with a flange plunger",
					Instruction: "Seat a flange plunger over the drain opening and give 10-15 firm strokes, keeping the seal.",
					CheckHint:   "Water in the bowl starts draining on its own.",
				},
				{
					Title:       "Auger if still blocked",
					Instruction: "Feed a closet auger into the trap, crank clockwise until you feel the blockage give, then retract slowly.",
					SafetyNote:  "Wear gloves; the auger cable can splash waste water.",
				},
				{
					Title:       "Restore water and test flush",
					Instruction: "Open the shutoff valve, let the tank fill and flush once while watching the bowl level.",
					CheckHint:   "The bowl empties fully and refills to normal level.",
				},
			},
		},
		{
			ID:       "plumbing-sink",
			Title:    "Clear a slow sink drain",
			Category: "plumbing",
			Fixture:  "sink",
			Steps: []model.Step{
				{
					Title:        "Empty the basin",
					Instruction:  "Remove standing water with a cup and clear anything under the sink.",
					IsCheckpoint: true,
				},
				{
					Title:       "Pull the stopper",
					Instruction: "Remove the pop-up stopper and clean hair and sludge off it.",
				},
				{
					Title:       "Clean the P-trap",
					Instruction: "Place a bucket under the trap, loosen both slip nuts by hand and clean the trap out.",
					SafetyNote:  "Do not use chemical drain cleaner before opening the trap; it can splash.",
				},
				{
					Title:       "Reassemble and run water",
					Instruction: "Refit the trap hand-tight plus a quarter turn and run hot water for a minute.",
					CheckHint:   "No drips at the slip nuts and the basin drains freely.",
				},
			},
		},
		{
			ID:       "plumbing",
			Title:    "Clear a clogged drain",
			Category: "plumbing",
			Steps: []model.Step{
				{
					Title:        "Stop using the fixture",
					Instruction:  "Stop running water into the drain and close nearby supply valves if water is backing up.",
					IsCheckpoint: true,
				},
				{
					Title:       "Remove standing water",
					Instruction: "Bail or sponge out standing water so you can see the drain opening.",
				},
				{
					Title:       "Plunge the drain",
					Instruction: "Cover any overflow opening, seat a cup plunger over the drain and plunge firmly 10-15 times.",
					CheckHint:   "Water begins to drain on its own.",
				},
				{
					Title:       "Snake the line",
					Instruction: "Feed a drain snake into the opening, rotate through the blockage and pull debris out.",
					SafetyNote:  "Wear gloves and eye protection.",
				},
				{
					Title:       "Flush and verify",
					Instruction: "Run hot water for two minutes and watch for slow draining or backup.",
					CheckHint:   "Water drains at normal speed with no gurgling.",
				},
			},
		},
		{
			ID:       "electrical",
			Title:    "Make an electrical fault safe",
			Category: "electrical",
			Steps: []model.Step{
				{
					Title:        "Cut power at the breaker",
					Instruction:  "Switch off the breaker feeding the affected outlet or fixture and confirm it is dead with a tester.",
					SafetyNote:   "Never touch scorched or wet electrical parts while energized. Leave immediately if you smell burning.",
					IsDangerStep: true,
					IsCheckpoint: true,
				},
				{
					Title:       "Inspect the device",
					Instruction: "Remove the cover plate and look for loose wires, scorch marks or melted insulation.",
					CheckHint:   "Note any blackened terminals; those mean the device must be replaced.",
				},
				{
					Title:        "Reset protection",
					Instruction:  "Press the reset button on any GFCI upstream, then restore the breaker.",
					SafetyNote:   "If the breaker trips again immediately, stop and call an electrician.",
					IsDangerStep: true,
				},
				{
					Title:       "Test the circuit",
					Instruction: "Plug in a known-good lamp and check that it works without flicker or heat.",
				},
			},
		},
		{
			ID:       "hvac",
			Title:    "Restore heating or cooling",
			Category: "hvac",
			Steps: []model.Step{
				{
					Title:        "Check the thermostat",
					Instruction:  "Confirm the thermostat mode and setpoint, and replace its batteries if the display is dim.",
					IsCheckpoint: true,
				},
				{
					Title:       "Replace the filter",
					Instruction: "Slide out the return air filter and replace it if it is grey or clogged.",
				},
				{
					Title:        "Check the breaker and switch",
					Instruction:  "Make sure the furnace service switch and its breaker are both on.",
					SafetyNote:   "If you smell gas, leave the house and call the gas utility from outside.",
					IsDangerStep: true,
				},
				{
					Title:       "Clear the outdoor unit",
					Instruction: "Remove leaves and debris within two feet of the condenser.",
				},
			},
		},
		{
			ID:    GenericPlanID,
			Title: "General troubleshooting",
			Steps: []model.Step{
				{
					Title:        "Make the area safe",
					Instruction:  "Clear the area, shut off water or power feeding the problem if you can reach it safely.",
					SafetyNote:   "If there is smoke, gas smell or water near electricity, leave and call for help.",
					IsDangerStep: true,
					IsCheckpoint: true,
				},
				{
					Title:       "Document the problem",
					Instruction: "Take photos and note when the problem started and what changed.",
				},
				{
					Title:       "Try the simplest fix",
					Instruction: "Check for loose connections, tripped resets or obvious blockages and correct them.",
				},
				{
					Title:       "Verify the result",
					Instruction: "Use the fixture normally for a few minutes and watch for the symptom to return.",
				},
			},
		},
	}
}
