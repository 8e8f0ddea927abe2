package tasks

// DefineTasks registers all available tasks
func DefineTasks() {
	RegisterHandler(ChargeBankCycleTask.TaskID(), ChargeBankCycleTask.HandleExecution)
	RegisterHandler(ReconcileBankCycleTask.TaskID(), ReconcileBankCycleTask.HandleExecution)
	RegisterHandler(ChargeCardRenewalsTask.TaskID(), ChargeCardRenewalsTask.HandleExecution)
}
