package rules

// DefaultRules walk the standard workers through the analysis loop:
// validate, analyze, optimize, ask for a plan, run the experiment, then
// continue or finish depending on the results.
const DefaultRules = `
rules:
  - name: failure
    when: 'error != ""'
    next: ask_user
    message: "The last step failed. How would you like to proceed?"
  - name: validate
    when: 'not ("validation_result" in payload)'
    next: validator
    reason: input not validated yet
  - name: analyze
    when: 'last_worker == "validator"'
    next: analyst
    reason: input is valid
  - name: optimize
    when: 'last_worker == "analyst" && payload.target_met != true'
    next: optimizer
    reason: target not met
  - name: target-met
    when: 'last_worker == "analyst"'
    next: finished
    message: "The target properties were met."
    reason: target met
  - name: pick-plan
    when: 'last_worker == "optimizer"'
    next: ask_user
    message: "Which plan should be run next?"
    reason: plans ready
  - name: experiment
    when: '"selected_plan_id" in payload && last_worker != "experimenter"'
    next: experimenter
    reason: plan selected
  - name: next-iteration
    when: 'last_worker == "experimenter" && payload.continue_iteration == true'
    next: analyst
    continue_iteration: true
    reason: results received, continuing
  - name: done
    when: 'last_worker == "experimenter"'
    next: finished
    message: "Experiment recorded. Finishing here."
    reason: no continuation requested
default:
  next: ask_user
  message: "What would you like to do next?"
  reason: no rule matched
`

// Default compiles DefaultRules.
func Default() *Decider {
	d, err := Parse([]byte(DefaultRules))
	if err != nil {
		panic(err)
	}
	return d
}
