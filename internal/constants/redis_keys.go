package constants

// Redis Key 前缀和格式常量
// 统一命名规范: app:{module}:{entity}:{unique_id}
const (
	// AppPrefix 是所有Redis Key的统一应用前缀
	AppPrefix = "app"

	// EvalModulePrefix 评估模块
	EvalModulePrefix = "eval"
	// JobModulePrefix 岗位模块
	JobModulePrefix = "job"

	// EntityClaim in-flight声明实体
	EntityClaim = "claim"
	// EntityResult 评估结果实体
	EntityResult = "result"
	// EntityLock 分布式锁实体
	EntityLock = "lock"

	// KeyEvalClaim 评估in-flight声明 (STRING, SET NX)
	// 格式: app:eval:claim:{jobID}:{candidateID}:{resumeVersion}:{evaluatorVersion}
	KeyEvalClaim = AppPrefix + ":" + EvalModulePrefix + ":" + EntityClaim + ":%s"

	// KeyEvalResult 评估结果热缓存 (STRING, JSON)
	// 格式: app:eval:result:{jobID}:{candidateID}:{resumeVersion}:{evaluatorVersion}
	KeyEvalResult = AppPrefix + ":" + EvalModulePrefix + ":" + EntityResult + ":%s"

	// KeyJobSweepLock 归档清扫分布式锁 (STRING)
	// 格式: app:job:lock:sweep
	KeyJobSweepLock = AppPrefix + ":" + JobModulePrefix + ":" + EntityLock + ":sweep"
)
