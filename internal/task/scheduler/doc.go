// Package scheduler triggers named jobs on cron expressions or fixed
// intervals and hands each trigger to the task engine. It never runs jobs
// itself.
package scheduler
